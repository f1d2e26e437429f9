/*
bms-controller - JBD battery management system monitoring over BLE.
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package vedbus

import (
	"errors"
	"strings"
	"sync"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	busItemInterface  = "com.victronenergy.BusItem"
	propertiesChanged = busItemInterface + ".PropertiesChanged"
	ServicePrefix     = "com.victronenergy.battery."
)

// Service exports a Tree on its own system bus connection. Each Venus
// service needs a private connection because object paths such as /Soc are
// shared between services.
type Service struct {
	name string
	conn *dbus.Conn
	tree *Tree

	mu       sync.Mutex
	exported map[string]bool
}

// NewService claims name on the system bus and exports every path of tree,
// including paths added later.
func NewService(name string, tree *Tree) (*Service, error) {
	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		return nil, err
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, errors.New("name already taken")
	}

	s := &Service{
		name:     name,
		conn:     conn,
		tree:     tree,
		exported: map[string]bool{},
	}
	root := rootItem{s}
	if err := conn.Export(root, "/", busItemInterface); err != nil {
		conn.Close()
		return nil, err
	}
	conn.Export(genIntrospectable(root), "/", "org.freedesktop.DBus.Introspectable")
	for _, p := range tree.Paths() {
		s.export(p)
	}
	tree.Subscribe(s.handle)
	log.Infof("Registered %s on the system bus", name)
	return s, nil
}

func (s *Service) Name() string {
	return s.name
}

func (s *Service) Tree() *Tree {
	return s.tree
}

// Close releases the bus name and the connection.
func (s *Service) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.ReleaseName(s.name); err != nil {
		log.Warnf("Releasing %s: %v", s.name, err)
	}
	return s.conn.Close()
}

func (s *Service) handle(e Event) {
	if e.Added {
		s.export(e.Path)
	}
	s.emit(e.Path, e.Value, e.Text)
}

func (s *Service) export(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.exported[path] {
		return
	}
	it := busItem{s: s, path: path}
	if err := s.conn.Export(it, dbus.ObjectPath(path), busItemInterface); err != nil {
		log.Errorf("Exporting %s: %v", path, err)
		return
	}
	s.conn.Export(genIntrospectable(it), dbus.ObjectPath(path), "org.freedesktop.DBus.Introspectable")
	s.exported[path] = true
}

func (s *Service) emit(path string, value interface{}, text string) {
	if s.conn == nil {
		return
	}
	changes := map[string]dbus.Variant{
		"Value": toVariant(value),
		"Text":  dbus.MakeVariant(text),
	}
	if err := s.conn.Emit(dbus.ObjectPath(path), propertiesChanged, changes); err != nil {
		log.Debugf("Emitting change of %s: %v", path, err)
	}
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    busItemInterface,
			Methods: introspect.Methods(v),
			Signals: []introspect.Signal{{
				Name: "PropertiesChanged",
				Args: []introspect.Arg{{Name: "changes", Type: "a{sv}"}},
			}},
		}},
	}
	return introspect.NewIntrospectable(node)
}

// invalid is how a BusItem says "no value".
var invalid = dbus.MakeVariant([]int32{})

func toVariant(v interface{}) dbus.Variant {
	switch x := v.(type) {
	case nil:
		return invalid
	case int:
		return dbus.MakeVariant(int32(x))
	}
	return dbus.MakeVariant(v)
}

func fromVariant(v dbus.Variant) interface{} {
	switch x := v.Value().(type) {
	case []int32:
		if len(x) == 0 {
			return nil
		}
	case []interface{}:
		if len(x) == 0 {
			return nil
		}
	case byte:
		return int(x)
	case int16:
		return int(x)
	case uint16:
		return int(x)
	case int32:
		return int(x)
	case uint32:
		return int(x)
	case int64:
		return int(x)
	case uint64:
		return int(x)
	case bool:
		return x
	case float64:
		return x
	case string:
		return x
	}
	return v.Value()
}

type busItem struct {
	s    *Service
	path string
}

func (b busItem) GetValue() (dbus.Variant, *dbus.Error) {
	v, ok := b.s.tree.Value(b.path)
	if !ok {
		return invalid, dbus.NewError(busItemInterface+".UnknownPath", []interface{}{b.path})
	}
	return toVariant(v), nil
}

func (b busItem) GetText() (string, *dbus.Error) {
	t, ok := b.s.tree.Text(b.path)
	if !ok {
		return "", dbus.NewError(busItemInterface+".UnknownPath", []interface{}{b.path})
	}
	return t, nil
}

// SetValue returns 0 when the value was accepted and 1 otherwise.
func (b busItem) SetValue(v dbus.Variant) (int32, *dbus.Error) {
	if err := b.s.tree.Write(b.path, fromVariant(v)); err != nil {
		log.Infof("Write to %s refused: %v", b.path, err)
		return 1, nil
	}
	return 0, nil
}

type rootItem struct {
	s *Service
}

// GetValue on the root returns every value keyed by path without the
// leading slash.
func (r rootItem) GetValue() (map[string]dbus.Variant, *dbus.Error) {
	values := r.s.tree.Values()
	out := make(map[string]dbus.Variant, len(values))
	for p, v := range values {
		out[strings.TrimPrefix(p, "/")] = toVariant(v)
	}
	return out, nil
}

func (r rootItem) GetText() (map[string]string, *dbus.Error) {
	out := map[string]string{}
	for _, p := range r.s.tree.Paths() {
		t, _ := r.s.tree.Text(p)
		out[strings.TrimPrefix(p, "/")] = t
	}
	return out, nil
}

// GetItems returns value and text of every path.
func (r rootItem) GetItems() (map[string]map[string]dbus.Variant, *dbus.Error) {
	out := map[string]map[string]dbus.Variant{}
	for _, p := range r.s.tree.Paths() {
		v, _ := r.s.tree.Value(p)
		t, _ := r.s.tree.Text(p)
		out[p] = map[string]dbus.Variant{
			"Value": toVariant(v),
			"Text":  dbus.MakeVariant(t),
		}
	}
	return out, nil
}

// ServiceName builds the bus name for a battery id, dropping characters a
// bus name cannot hold.
func ServiceName(id string) string {
	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		}
	}
	name := sb.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "b" + name
	}
	return ServicePrefix + name
}
