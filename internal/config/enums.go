package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// DomainEnums lists the values the service accepts for enumerated request fields.
// All values are configurable via YAML.
type DomainEnums struct {
	DataTypes []string `yaml:"dataTypes"`
	Roles     []string `yaml:"roles"`

	dataTypesMap map[string]struct{}
	rolesMap     map[string]struct{}

	initOnce sync.Once
}

type enumsFile struct {
	Enums DomainEnums `yaml:"enums"`
}

// DefaultEnums is used when no enum file is present
var DefaultEnums = DomainEnums{
	DataTypes: []string{
		"demographics",
		"labs",
		"imaging",
		"prescriptions",
		"allergies",
		"immunizations",
		"vitals",
		"diagnoses",
		"clinical_notes",
		"insurance",
	},
	Roles: []string{
		"patient",
		"provider",
		"hospital",
		"laboratory",
		"pharmacy",
		"insurer",
		"researcher",
	},
}

// LoadEnums loads enum configuration from a YAML file.
// A missing file yields the defaults; an unreadable one is an error.
func LoadEnums(configPath string) (*DomainEnums, error) {
	if configPath == "" {
		configPath = "config/enums.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("Enum config not found, using defaults", "path", configPath)
			return GetDefaultEnums(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var file enumsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	enums := &DomainEnums{
		DataTypes: file.Enums.DataTypes,
		Roles:     file.Enums.Roles,
	}
	if len(enums.DataTypes) == 0 {
		enums.DataTypes = append([]string(nil), DefaultEnums.DataTypes...)
	}
	if len(enums.Roles) == 0 {
		enums.Roles = append([]string(nil), DefaultEnums.Roles...)
	}
	enums.InitializeMaps()

	return enums, nil
}

// GetDefaultEnums returns a copy of DefaultEnums with lookup maps built
func GetDefaultEnums() *DomainEnums {
	enums := &DomainEnums{
		DataTypes: append([]string(nil), DefaultEnums.DataTypes...),
		Roles:     append([]string(nil), DefaultEnums.Roles...),
	}
	enums.InitializeMaps()
	return enums
}

// InitializeMaps builds the O(1) lookup maps once
func (e *DomainEnums) InitializeMaps() {
	e.initOnce.Do(func() {
		e.dataTypesMap = make(map[string]struct{}, len(e.DataTypes))
		for _, dt := range e.DataTypes {
			e.dataTypesMap[dt] = struct{}{}
		}
		e.rolesMap = make(map[string]struct{}, len(e.Roles))
		for _, r := range e.Roles {
			e.rolesMap[r] = struct{}{}
		}
	})
}

// IsValidDataType checks if the given data type is configured
func (e *DomainEnums) IsValidDataType(dataType string) bool {
	e.InitializeMaps()
	_, exists := e.dataTypesMap[dataType]
	return exists
}

// IsValidRole checks if the given role is configured. Empty is allowed.
func (e *DomainEnums) IsValidRole(role string) bool {
	if role == "" {
		return true
	}
	e.InitializeMaps()
	_, exists := e.rolesMap[role]
	return exists
}
