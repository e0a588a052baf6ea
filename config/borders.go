package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// BorderGroup lists the authorities sharing a boundary with one authority
type BorderGroup struct {
	Authority string   `json:"authority"`
	Bordering []string `json:"bordering"`
}

// BorderConfig represents the full bordering authorities file
type BorderConfig struct {
	Authorities []BorderGroup `json:"authorities"`
}

// ErrAuthorityNotFound is returned when deleting an authority that is not configured
var ErrAuthorityNotFound = errors.New("authority not found")

var (
	borderConfig *BorderConfig
	borderLock   sync.RWMutex
	borderPath   = "config/bordering_authorities.json"
)

// SetBorderConfigPath points the loader at another file
func SetBorderConfigPath(path string) {
	borderLock.Lock()
	defer borderLock.Unlock()
	borderPath = path
	borderConfig = nil
}

// LoadBorderConfig loads the bordering authorities from file. A missing file
// yields an empty configuration.
func LoadBorderConfig() error {
	borderLock.Lock()
	defer borderLock.Unlock()

	// Get absolute path to config file
	absPath, err := filepath.Abs(borderPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if errors.Is(err, os.ErrNotExist) {
		borderConfig = &BorderConfig{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config BorderConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	borderConfig = &config
	return nil
}

// SaveBorderConfig saves the current configuration to file
func SaveBorderConfig() error {
	borderLock.Lock()
	defer borderLock.Unlock()
	return saveBorderConfigLocked()
}

func saveBorderConfigLocked() error {
	if borderConfig == nil {
		return fmt.Errorf("no configuration loaded")
	}

	absPath, err := filepath.Abs(borderPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal configuration with pretty printing
	data, err := json.MarshalIndent(borderConfig, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(absPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ListBorderGroups returns a copy of every configured authority
func ListBorderGroups() []BorderGroup {
	borderLock.RLock()
	defer borderLock.RUnlock()

	if borderConfig == nil {
		return []BorderGroup{}
	}

	groups := make([]BorderGroup, len(borderConfig.Authorities))
	for i, group := range borderConfig.Authorities {
		groups[i] = BorderGroup{
			Authority: group.Authority,
			Bordering: append([]string(nil), group.Bordering...),
		}
	}
	return groups
}

// GetBorderingAuthorities returns the bordering authorities of a case-insensitive name
func GetBorderingAuthorities(authority string) []string {
	borderLock.RLock()
	defer borderLock.RUnlock()

	if borderConfig == nil {
		return nil
	}

	for _, group := range borderConfig.Authorities {
		if strings.EqualFold(group.Authority, authority) {
			return append([]string(nil), group.Bordering...)
		}
	}
	return nil
}

// UpdateBorderingAuthorities updates or adds an authority and persists the file
func UpdateBorderingAuthorities(authority string, bordering []string) error {
	borderLock.Lock()
	defer borderLock.Unlock()

	if borderConfig == nil {
		borderConfig = &BorderConfig{}
	}

	sorted := append([]string(nil), bordering...)
	sort.Strings(sorted)

	found := false
	for i, existing := range borderConfig.Authorities {
		if strings.EqualFold(existing.Authority, authority) {
			borderConfig.Authorities[i].Bordering = sorted
			found = true
			break
		}
	}

	if !found {
		borderConfig.Authorities = append(borderConfig.Authorities, BorderGroup{
			Authority: authority,
			Bordering: sorted,
		})
	}

	return saveBorderConfigLocked()
}

// DeleteBorderingAuthorities removes an authority from the configuration
func DeleteBorderingAuthorities(authority string) error {
	borderLock.Lock()
	defer borderLock.Unlock()

	if borderConfig == nil {
		return fmt.Errorf("no configuration loaded")
	}

	for i, group := range borderConfig.Authorities {
		if strings.EqualFold(group.Authority, authority) {
			borderConfig.Authorities = append(
				borderConfig.Authorities[:i],
				borderConfig.Authorities[i+1:]...,
			)
			return saveBorderConfigLocked()
		}
	}

	return fmt.Errorf("%w: %s", ErrAuthorityNotFound, authority)
}
