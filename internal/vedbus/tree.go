// Package vedbus publishes values on the system D-Bus the way Victron
// Venus OS services do: one object per path implementing
// com.victronenergy.BusItem.
package vedbus

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/TheCacophonyProject/bms-controller/internal/logging"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

var (
	ErrUnknownPath = errors.New("unknown path")
	ErrNotWritable = errors.New("path is not writable")
	ErrRejected    = errors.New("value rejected")
)

// ItemOptions describes how a path behaves.
type ItemOptions struct {
	// Writable allows other processes to set the value.
	Writable bool
	// OnChange validates an external write. It returns the value to store,
	// which may be clamped, or false to reject the write.
	OnChange func(path string, value interface{}) (interface{}, bool)
	// Format renders the value for GetText. Invalid values are always
	// rendered as "---".
	Format func(value interface{}) string
}

type item struct {
	value interface{}
	opts  ItemOptions
}

// Event is sent to subscribers when a path is added or its value changes.
type Event struct {
	Path  string
	Value interface{}
	Text  string
	Added bool
}

// Tree is a set of slash separated paths holding scalar values. A nil value
// means the path is currently invalid.
type Tree struct {
	mu    sync.Mutex
	items map[string]*item
	subs  []func(Event)
}

func NewTree() *Tree {
	return &Tree{items: map[string]*item{}}
}

// Subscribe registers fn for every later add and change.
func (t *Tree) Subscribe(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
}

func (t *Tree) notify(subs []func(Event), e Event) {
	for _, fn := range subs {
		fn(e)
	}
}

func checkPath(path string) error {
	if !strings.HasPrefix(path, "/") || path == "/" || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return fmt.Errorf("invalid path %q", path)
	}
	return nil
}

// Add creates path with an initial value. Adding an existing path only
// updates its value.
func (t *Tree) Add(path string, value interface{}, opts ItemOptions) error {
	if err := checkPath(path); err != nil {
		return err
	}
	value = normalize(value)
	t.mu.Lock()
	if _, ok := t.items[path]; ok {
		t.mu.Unlock()
		t.Publish(path, value)
		return nil
	}
	it := &item{value: value, opts: opts}
	t.items[path] = it
	subs := t.subs
	text := it.text()
	t.mu.Unlock()
	t.notify(subs, Event{Path: path, Value: value, Text: text, Added: true})
	return nil
}

// Has reports whether path exists.
func (t *Tree) Has(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.items[path]
	return ok
}

// Publish sets the value of path from inside the service. It reports
// whether the value changed. Unknown paths are ignored.
func (t *Tree) Publish(path string, value interface{}) bool {
	value = normalize(value)
	t.mu.Lock()
	it, ok := t.items[path]
	if !ok {
		t.mu.Unlock()
		log.Debugf("Publish to unknown path %s", path)
		return false
	}
	if reflect.DeepEqual(it.value, value) {
		t.mu.Unlock()
		return false
	}
	it.value = value
	subs := t.subs
	text := it.text()
	t.mu.Unlock()
	t.notify(subs, Event{Path: path, Value: value, Text: text})
	return true
}

// Write sets the value of path on behalf of another process.
func (t *Tree) Write(path string, value interface{}) error {
	value = normalize(value)
	t.mu.Lock()
	it, ok := t.items[path]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if !it.opts.Writable {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotWritable, path)
	}
	onChange := it.opts.OnChange
	t.mu.Unlock()

	if onChange != nil {
		accepted, ok := onChange(path, value)
		if !ok {
			return fmt.Errorf("%w: %v for %s", ErrRejected, value, path)
		}
		value = normalize(accepted)
	}
	t.Publish(path, value)
	return nil
}

func (t *Tree) Value(path string) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.items[path]
	if !ok {
		return nil, false
	}
	return it.value, true
}

func (t *Tree) Text(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.items[path]
	if !ok {
		return "", false
	}
	return it.text(), true
}

// Values returns every path and its value.
func (t *Tree) Values() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]interface{}, len(t.items))
	for p, it := range t.items {
		out[p] = it.value
	}
	return out
}

// Paths returns every path in sorted order.
func (t *Tree) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := make([]string, 0, len(t.items))
	for p := range t.items {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (it *item) text() string {
	if it.value == nil {
		return "---"
	}
	if it.opts.Format != nil {
		return it.opts.Format(it.value)
	}
	return fmt.Sprint(it.value)
}

// normalize maps the Go types callers use onto the few types a BusItem
// carries: int, float64, string or nil. NaN and infinities are invalid.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint8:
		return int(x)
	case uint16:
		return int(x)
	case uint32:
		return int(x)
	case float32:
		return normalize(float64(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	}
	return v
}

// ToFloat converts a written value to a float.
func ToFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case float64:
		return x, true
	case string:
		var f float64
		if _, err := fmt.Sscan(x, &f); err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Units returns a Format rendering numbers with the given precision and
// unit, e.g. Units(2, "V") renders 13.2 as "13.20V".
func Units(precision int, unit string) func(interface{}) string {
	return func(v interface{}) string {
		f, ok := ToFloat(v)
		if !ok {
			return fmt.Sprint(v)
		}
		return fmt.Sprintf("%.*f%s", precision, f, unit)
	}
}

// YesNo renders 0 as "No" and anything else as "Yes".
func YesNo(v interface{}) string {
	if f, ok := ToFloat(v); ok && f != 0 {
		return "Yes"
	}
	return "No"
}
