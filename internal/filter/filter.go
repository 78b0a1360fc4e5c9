// Package filter compiles per-view Lua predicates over feed items.
//
// An expression such as
//
//	item.relevanceScore > 0.5 and not item.isBreaking
//
// sees the item as a table whose fields are named as on the wire.
package filter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/zot/livefeed/internal/protocol"
)

// ErrNotBoolean is returned when an expression yields something other than a boolean.
var ErrNotBoolean = errors.New("filter: expression did not return a boolean")

// matchTimeout bounds one evaluation; predicates run on the event loop.
var matchTimeout = 50 * time.Millisecond

// Predicate is a compiled filter. It owns a Lua state and is not safe for
// concurrent use; views confine it to the event loop.
type Predicate struct {
	expr  string
	state *lua.LState
	fn    *lua.LFunction
}

// Compile parses expr. An empty expression yields a nil predicate, which
// matches everything.
func Compile(expr string) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.TabLibName, lua.OpenTable},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("filter: open %s: %w", lib.name, err)
		}
	}
	// no file or module access
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("has", L.NewFunction(luaHas))

	fn, err := L.LoadString("local item = ...\nreturn (" + expr + ")")
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("filter: compile %q: %w", expr, err)
	}
	return &Predicate{expr: expr, state: L, fn: fn}, nil
}

// String returns the source expression.
func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Match evaluates the predicate against item. A nil predicate matches.
func (p *Predicate) Match(item protocol.FeedItem) (bool, error) {
	if p == nil {
		return true, nil
	}
	L := p.state
	ctx, cancel := context.WithTimeout(context.Background(), matchTimeout)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()
	L.Push(p.fn)
	L.Push(itemTable(L, item))
	if err := L.PCall(1, 1, nil); err != nil {
		return false, fmt.Errorf("filter: %q: %w", p.expr, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	b, ok := ret.(lua.LBool)
	if !ok {
		return false, fmt.Errorf("%w: %q gave %s", ErrNotBoolean, p.expr, ret.Type())
	}
	return bool(b), nil
}

// Close releases the Lua state. Safe on a nil predicate.
func (p *Predicate) Close() {
	if p != nil && p.state != nil {
		p.state.Close()
		p.state = nil
	}
}

func itemTable(L *lua.LState, item protocol.FeedItem) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "id", lua.LString(item.ID))
	L.SetField(t, "title", lua.LString(item.Title))
	L.SetField(t, "link", lua.LString(item.Link))
	L.SetField(t, "sourceId", lua.LString(item.SourceID))
	L.SetField(t, "sourceName", lua.LString(item.SourceName))
	L.SetField(t, "description", lua.LString(item.Description))
	L.SetField(t, "imageUrl", lua.LString(item.ImageURL))
	L.SetField(t, "relevanceScore", lua.LNumber(item.RelevanceScore))
	L.SetField(t, "viewCount", lua.LNumber(item.ViewCount))
	L.SetField(t, "shareCount", lua.LNumber(item.ShareCount))
	L.SetField(t, "isBreaking", lua.LBool(item.IsBreaking))
	if !item.PublishedAt.IsZero() {
		L.SetField(t, "publishedAt", lua.LNumber(item.PublishedAt.Unix()))
	}
	cats := L.NewTable()
	for _, c := range item.Categories {
		cats.Append(lua.LString(c))
	}
	L.SetField(t, "categories", cats)
	return t
}

// luaHas implements has(list, value): whether a Lua array contains value.
func luaHas(L *lua.LState) int {
	list := L.CheckTable(1)
	want := L.CheckAny(2)
	found := false
	list.ForEach(func(_, v lua.LValue) {
		if !found && v.String() == want.String() && v.Type() == want.Type() {
			found = true
		}
	})
	L.Push(lua.LBool(found))
	return 1
}
