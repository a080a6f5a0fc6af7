package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/wadigest/wadigest/internal/models"
)

// groupsDocument is the schema of the groups file.
type groupsDocument struct {
	Groups []groupEntry `yaml:"groups"`
}

type groupEntry struct {
	GroupID     string       `yaml:"group_id"`
	Name        string       `yaml:"name"`
	TargetID    string       `yaml:"target_id"`
	Enabled     *bool        `yaml:"enabled"`
	TestMode    bool         `yaml:"test_mode"`
	MinMessages int          `yaml:"min_messages"`
	Cadence     cadenceEntry `yaml:"cadence"`
}

type cadenceEntry struct {
	Kind     string `yaml:"kind"`
	At       string `yaml:"at"`
	Weekday  string `yaml:"weekday"`
	Expr     string `yaml:"expr"`
	Location string `yaml:"location"`
}

// LoadGroupsFile reads and parses the groups file at path.
func LoadGroupsFile(path string) ([]models.GroupConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read groups file: %w", err)
	}
	configs, err := ParseGroupsFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return configs, nil
}

// ParseGroupsFile parses a groups file document. Unknown fields are
// rejected so a typo cannot silently disable a setting, every entry is
// validated, and enabled defaults to true when omitted.
func ParseGroupsFile(data []byte) ([]models.GroupConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc groupsDocument
	if err := dec.Decode(&doc); err != nil {
		// An empty file declares no groups.
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse groups file: %w", err)
	}

	configs := make([]models.GroupConfig, 0, len(doc.Groups))
	seen := make(map[string]struct{}, len(doc.Groups))
	for i, entry := range doc.Groups {
		cfg, err := entry.toGroupConfig()
		if err != nil {
			return nil, fmt.Errorf("groups[%d]: %w", i, err)
		}
		if _, dup := seen[cfg.GroupID]; dup {
			return nil, fmt.Errorf("groups[%d]: duplicate group id %s", i, cfg.GroupID)
		}
		seen[cfg.GroupID] = struct{}{}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (e groupEntry) toGroupConfig() (models.GroupConfig, error) {
	cfg := models.GroupConfig{
		GroupID:     e.GroupID,
		Name:        e.Name,
		TargetID:    e.TargetID,
		Enabled:     true,
		TestMode:    e.TestMode,
		MinMessages: e.MinMessages,
		Cadence: models.Cadence{
			Kind:     models.CadenceKind(e.Cadence.Kind),
			At:       e.Cadence.At,
			Expr:     e.Cadence.Expr,
			Location: e.Cadence.Location,
		},
	}
	if e.Enabled != nil {
		cfg.Enabled = *e.Enabled
	}
	if cfg.Cadence.Kind == models.CadenceWeekly {
		wd, err := parseWeekday(e.Cadence.Weekday)
		if err != nil {
			return models.GroupConfig{}, err
		}
		cfg.Cadence.Weekday = wd
	}
	if err := cfg.Validate(); err != nil {
		return models.GroupConfig{}, err
	}
	return cfg, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// parseWeekday accepts full names, three letter abbreviations and the
// numeric form 0 (Sunday) through 6 (Saturday).
func parseWeekday(raw string) (time.Weekday, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("weekly cadence requires a weekday")
	}
	if wd, ok := weekdayNames[s]; ok {
		return wd, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	return 0, fmt.Errorf("unrecognized weekday %q", raw)
}
