package luamod

import (
	"errors"

	lua "github.com/yuin/gopher-lua"

	"github.com/chahilhyper9725/easy-lua-esp32-sub001/storage"
)

// StorageModule binds a Store as the storage global. The binding is
// typed both ways, mirroring the firmware's preferences-style API.
type StorageModule struct {
	store storage.Store
}

// NewStorageModule wraps a store for script access.
func NewStorageModule(store storage.Store) *StorageModule {
	return &StorageModule{store: store}
}

// Install registers the storage global.
func (m *StorageModule) Install(L *lua.LState) {
	tbl := L.NewTable()
	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"setint":  m.setInt,
		"getint":  m.getInt,
		"setnum":  m.setNum,
		"getnum":  m.getNum,
		"setstr":  m.setStr,
		"getstr":  m.getStr,
		"setbool": m.setBool,
		"getbool": m.getBool,
		"setblob": m.setBlob,
		"getblob": m.getBlob,
		"del":     m.del,
		"clear":   m.clear,
	})
	L.SetGlobal("storage", tbl)
}

// fail pushes nil plus the error text. Missing keys push plain nil.
func fail(L *lua.LState, err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		L.Push(lua.LNil)
		return 1
	}
	log.Errorf("storage: %v", err)
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func (m *StorageModule) setInt(L *lua.LState) int {
	err := m.store.SetInt(L.CheckString(1), L.CheckString(2), int64(L.CheckInt(3)))
	L.Push(lua.LBool(err == nil))
	return 1
}

func (m *StorageModule) getInt(L *lua.LState) int {
	v, err := m.store.GetInt(L.CheckString(1), L.CheckString(2))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LNumber(v))
	return 1
}

func (m *StorageModule) setNum(L *lua.LState) int {
	err := m.store.SetFloat(L.CheckString(1), L.CheckString(2), float64(L.CheckNumber(3)))
	L.Push(lua.LBool(err == nil))
	return 1
}

func (m *StorageModule) getNum(L *lua.LState) int {
	v, err := m.store.GetFloat(L.CheckString(1), L.CheckString(2))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LNumber(v))
	return 1
}

func (m *StorageModule) setStr(L *lua.LState) int {
	err := m.store.SetString(L.CheckString(1), L.CheckString(2), L.CheckString(3))
	L.Push(lua.LBool(err == nil))
	return 1
}

func (m *StorageModule) getStr(L *lua.LState) int {
	v, err := m.store.GetString(L.CheckString(1), L.CheckString(2))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(v))
	return 1
}

func (m *StorageModule) setBool(L *lua.LState) int {
	err := m.store.SetBool(L.CheckString(1), L.CheckString(2), L.CheckBool(3))
	L.Push(lua.LBool(err == nil))
	return 1
}

func (m *StorageModule) getBool(L *lua.LState) int {
	v, err := m.store.GetBool(L.CheckString(1), L.CheckString(2))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LBool(v))
	return 1
}

func (m *StorageModule) setBlob(L *lua.LState) int {
	err := m.store.SetBlob(L.CheckString(1), L.CheckString(2), []byte(L.CheckString(3)))
	L.Push(lua.LBool(err == nil))
	return 1
}

func (m *StorageModule) getBlob(L *lua.LState) int {
	v, err := m.store.GetBlob(L.CheckString(1), L.CheckString(2))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(v))
	return 1
}

func (m *StorageModule) del(L *lua.LState) int {
	err := m.store.Delete(L.CheckString(1), L.CheckString(2))
	L.Push(lua.LBool(err == nil))
	return 1
}

func (m *StorageModule) clear(L *lua.LState) int {
	err := m.store.Clear(L.CheckString(1))
	L.Push(lua.LBool(err == nil))
	return 1
}
