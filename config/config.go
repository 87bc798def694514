package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// C holds the merged settings of every config file found at the path given
// to Load. Keys are addressed with dots, `shmem.base` is the base key within
// the shmem map.
type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, or every yml/yaml file directly inside it when it is a
// directory, and merges them in lexical order.
func (c *C) Load(path string) error {
	files, err := resolve(path, true)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	c.path = path
	c.files = files
	return c.parse()
}

func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}
	return c.parseRaw([]byte(raw))
}

// Files returns the config files found by the last Load.
func (c *C) Files() []string {
	return c.files
}

// RegisterReloadCallback adds f to the functions run after every successful
// reload. Callbacks use HasChanged to find out what moved and must not block.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad reports whether no reload has happened yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether the value under k differs between the settings
// before and after the last reload. An empty k compares everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var (
		nv any
		ov any
	)

	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	return c.marshal(k, nv) != c.marshal(k, ov)
}

func (c *C) marshal(k string, v any) string {
	b, err := yaml.Marshal(v)
	if err != nil {
		c.l.WithField("configKey", k).WithError(err).Error("Failed to marshal config value")
	}
	return string(b)
}

// CatchHUP reloads the files of the last Load on every SIGHUP until ctx is
// done. It does nothing for configs loaded from a string.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				return
			case <-ch:
				c.l.WithField("path", c.path).Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig loads the path of the last Load again. Failures are logged and
// leave the current settings in place.
func (c *C) ReloadConfig() {
	if err := c.reload(func() error { return c.Load(c.path) }); err != nil {
		c.l.WithField("path", c.path).WithError(err).Error("Failed to reload config")
	}
}

// ReloadConfigString replaces the settings with raw and runs the reload
// callbacks.
func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	cur := c.Settings
	if err := load(); err != nil {
		c.Settings = cur
		return err
	}

	c.oldSettings = cur
	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

// GetString returns the value under k formatted as a string, or d when unset.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	return fmt.Sprintf("%v", r)
}

// GetStringSlice returns the list under k with every entry formatted as a
// string, or d when unset or not a list.
func (c *C) GetStringSlice(k string, d []string) []string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	rv, ok := r.([]any)
	if !ok {
		return d
	}

	v := make([]string, 0, len(rv))
	for _, e := range rv {
		v = append(v, fmt.Sprint(e))
	}
	return v
}

// GetMap returns the map under k, or d when unset or not a map.
func (c *C) GetMap(k string, d map[string]any) map[string]any {
	r := c.Get(k)
	if r == nil {
		return d
	}

	v, ok := r.(map[string]any)
	if !ok {
		return d
	}

	return v
}

// GetMapSlice will get the list of maps for k. An entry that is not a map is an error.
func (c *C) GetMapSlice(k string) ([]map[string]any, error) {
	r := c.Get(k)
	if r == nil {
		return nil, nil
	}

	rv, ok := r.([]any)
	if !ok {
		return nil, fmt.Errorf("config `%s` must be a list, got %T", k, r)
	}

	v := make([]map[string]any, len(rv))
	for i, e := range rv {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config `%s` entry #%d must be a map, got %T", k, i, e)
		}
		v[i] = m
	}

	return v, nil
}

// GetInt returns the int under k, or d when unset or not an int.
func (c *C) GetInt(k string, d int) int {
	r := c.Get(k)
	if r == nil {
		return d
	}
	v, err := strconv.Atoi(fmt.Sprint(r))
	if err != nil {
		return d
	}
	return v
}

// GetUint32 returns the unsigned 32-bit value under k, or d when unset or
// invalid. Hex and octal notations are accepted so addresses can be written
// the way they appear in a memory map.
func (c *C) GetUint32(k string, d uint32) uint32 {
	v, err := ParseUint(c.Get(k), 32)
	if err != nil {
		return d
	}
	return uint32(v)
}

// GetBool returns the bool under k, or d when unset or not a bool. See AsBool
// for the accepted spellings.
func (c *C) GetBool(k string, d bool) bool {
	v, ok := AsBool(c.Get(k))
	if !ok {
		return d
	}
	return v
}

// AsBool converts a raw config value to a bool, accepting yes and no spellings.
func AsBool(v any) (value bool, ok bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(x) {
		case "y", "yes", "true":
			return true, true
		case "n", "no", "false":
			return false, true
		}
	}

	return false, false
}

// GetDuration returns the duration under k, such as `10s`, or d when unset or
// invalid.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// Get returns the raw value under the dotted key k, nil when unset.
func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.Get(k) != nil
}

func (c *C) get(k string, v any) any {
	for p := range strings.SplitSeq(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		if v, ok = m[p]; !ok {
			return nil
		}
	}
	return v
}

// ParseUint converts a raw config value to an unsigned integer that fits in bitSize bits. Strings may use a 0x, 0o
// or 0b prefix.
func ParseUint(v any, bitSize int) (uint64, error) {
	var (
		r   uint64
		err error
	)

	switch x := v.(type) {
	case nil:
		return 0, errors.New("value is not set")
	case int:
		if x < 0 {
			return 0, fmt.Errorf("value %d is negative", x)
		}
		r = uint64(x)
	case uint64:
		r = x
	case float64:
		if x < 0 || x != math.Trunc(x) {
			return 0, fmt.Errorf("value %v is not an unsigned integer", x)
		}
		r = uint64(x)
	default:
		r, err = strconv.ParseUint(strings.ReplaceAll(fmt.Sprintf("%v", x), "_", ""), 0, 64)
		if err != nil {
			return 0, err
		}
	}

	if bitSize < 64 && r >= 1<<bitSize {
		return 0, fmt.Errorf("value %#x does not fit in %d bits", r, bitSize)
	}
	return r, nil
}

func (c *C) parseRaw(b []byte) error {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return err
	}
	c.Settings = m
	return nil
}

func (c *C) parse() error {
	var merged map[string]any

	for _, path := range c.files {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var m map[string]any
		if err := yaml.Unmarshal(b, &m); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		// Lists append so channels can be declared across several files.
		if err := mergo.Merge(&m, merged, mergo.WithAppendSlice); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		merged = m
	}

	c.Settings = merged
	return nil
}
