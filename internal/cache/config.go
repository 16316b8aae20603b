package cache

import (
	"fmt"
	"strings"
)

// Config holds the cache-wide tunables exposed through SetAttribute /
// GetAttribute, mirroring the way a tile.Config struct holds
// tile-generation tunables.
type Config struct {
	MaxOpenFiles   int
	MaxMemoryBytes int64
	SearchPath     []string // resolved directories, in order
	StatisticsLevel int
	Autotile       int
	Automip        bool
	ForceFloat     bool
	AcceptUntiled  bool

	WorldToCommon   *[16]float64
	CommonToWorld   *[16]float64

	Verbose bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenFiles:    100,
		MaxMemoryBytes:  computeDefaultMemoryLimit(false),
		StatisticsLevel: 0,
		Autotile:        0,
		Automip:         false,
		ForceFloat:      false,
		AcceptUntiled:   true,
	}
}

const minAutotile = 8

// SetAttribute implements the string-keyed attribute table. value's dynamic
// type depends on name; unrecognized names or wrong-typed values return an
// error rather than panicking, since callers (e.g. a CLI flag parser) often
// pass attributes from untrusted configuration.
func (c *Cache) SetAttribute(name string, value any) error {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	switch name {
	case "max_open_files":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("max_open_files: %w", err)
		}
		c.cfg.MaxOpenFiles = n
	case "max_memory_MB":
		mb, err := asFloat(value)
		if err != nil {
			return fmt.Errorf("max_memory_MB: %w", err)
		}
		c.cfg.MaxMemoryBytes = int64(mb * 1024 * 1024)
		c.tiles.setBudget(c.cfg.MaxMemoryBytes)
	case "searchpath":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("searchpath: %w", ErrBadArg)
		}
		c.cfg.SearchPath = splitSearchPath(s)
	case "statistics:level":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("statistics:level: %w", err)
		}
		c.cfg.StatisticsLevel = n
	case "autotile":
		n, err := asInt(value)
		if err != nil {
			return fmt.Errorf("autotile: %w", err)
		}
		if n > 0 {
			n = int(pow2Ceil(uint32(n)))
			if n < minAutotile && !c.debugBuild {
				n = minAutotile
			}
		}
		c.cfg.Autotile = n
	case "automip":
		b, err := asBool(value)
		if err != nil {
			return fmt.Errorf("automip: %w", err)
		}
		c.cfg.Automip = b
	case "forcefloat":
		b, err := asBool(value)
		if err != nil {
			return fmt.Errorf("forcefloat: %w", err)
		}
		c.cfg.ForceFloat = b
	case "accept_untiled":
		b, err := asBool(value)
		if err != nil {
			return fmt.Errorf("accept_untiled: %w", err)
		}
		c.cfg.AcceptUntiled = b
	case "worldtocommon":
		m, ok := value.(*[16]float64)
		if !ok {
			return fmt.Errorf("worldtocommon: %w", ErrBadArg)
		}
		c.cfg.WorldToCommon = m
	case "commontoworld":
		m, ok := value.(*[16]float64)
		if !ok {
			return fmt.Errorf("commontoworld: %w", ErrBadArg)
		}
		c.cfg.CommonToWorld = m
	default:
		return fmt.Errorf("%s: %w", name, ErrBadArg)
	}
	return nil
}

// GetAttribute returns the current value of a recognized attribute.
func (c *Cache) GetAttribute(name string) (any, bool) {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()

	switch name {
	case "max_open_files":
		return c.cfg.MaxOpenFiles, true
	case "max_memory_MB":
		return float64(c.cfg.MaxMemoryBytes) / (1024 * 1024), true
	case "searchpath":
		return strings.Join(c.cfg.SearchPath, ":"), true
	case "statistics:level":
		return c.cfg.StatisticsLevel, true
	case "autotile":
		return c.cfg.Autotile, true
	case "automip":
		return c.cfg.Automip, true
	case "forcefloat":
		return c.cfg.ForceFloat, true
	case "accept_untiled":
		return c.cfg.AcceptUntiled, true
	case "worldtocommon":
		return c.cfg.WorldToCommon, c.cfg.WorldToCommon != nil
	case "commontoworld":
		return c.cfg.CommonToWorld, c.cfg.CommonToWorld != nil
	default:
		return nil, false
	}
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, ErrBadArg
	}
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, ErrBadArg
	}
}

func asBool(v any) (bool, error) {
	switch n := v.(type) {
	case bool:
		return n, nil
	case int:
		return n != 0, nil
	default:
		return false, ErrBadArg
	}
}

func splitSearchPath(s string) []string {
	s = strings.ReplaceAll(s, ";", ":")
	var dirs []string
	for _, p := range strings.Split(s, ":") {
		p = strings.TrimSpace(p)
		if p != "" {
			dirs = append(dirs, p)
		}
	}
	return dirs
}

// pow2Ceil rounds n up to the next power of two (n itself if already one).
func pow2Ceil(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n++
	return n
}
