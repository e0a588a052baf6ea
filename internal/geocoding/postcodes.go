package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPostcodeNotFound is returned when the lookup service does not know a postcode
var ErrPostcodeNotFound = errors.New("postcode not found")

const cacheFileName = "postcode_cache.json"

// PostcodeResolver maps UK postcodes to their local authority (admin district)
// through a postcodes.io compatible API, caching answers on disk.
type PostcodeResolver struct {
	logger    *logrus.Logger
	baseURL   string
	cacheDir  string
	cache     map[string]string
	cacheLock sync.RWMutex
	client    *http.Client
}

func NewPostcodeResolver(baseURL, cacheDir string, client *http.Client, logger *logrus.Logger) *PostcodeResolver {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	r := &PostcodeResolver{
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
		cacheDir: cacheDir,
		cache:    make(map[string]string),
		client:   client,
	}
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			logger.WithError(err).Warn("Could not create postcode cache directory")
		}
		r.loadCache()
	}
	return r
}

func (r *PostcodeResolver) loadCache() {
	data, err := os.ReadFile(filepath.Join(r.cacheDir, cacheFileName))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warnf("Could not load postcode cache: %v", err)
		}
		return
	}

	if err := json.Unmarshal(data, &r.cache); err != nil {
		r.logger.Errorf("Failed to parse postcode cache: %v", err)
		return
	}
	r.logger.Infof("Loaded %d cached postcodes", len(r.cache))
}

func (r *PostcodeResolver) saveCache() {
	if r.cacheDir == "" {
		return
	}

	r.cacheLock.RLock()
	data, err := json.Marshal(r.cache)
	r.cacheLock.RUnlock()
	if err != nil {
		r.logger.Errorf("Failed to marshal postcode cache: %v", err)
		return
	}

	if err := os.WriteFile(filepath.Join(r.cacheDir, cacheFileName), data, 0644); err != nil {
		r.logger.Errorf("Failed to save postcode cache: %v", err)
	}
}

type postcodeResponse struct {
	Status int `json:"status"`
	Result *struct {
		Postcode      string `json:"postcode"`
		AdminDistrict string `json:"admin_district"`
	} `json:"result"`
}

// Normalize upper-cases a postcode and collapses its whitespace
func Normalize(postcode string) string {
	return strings.ToUpper(strings.Join(strings.Fields(postcode), " "))
}

// LocalAuthority returns the local authority of a postcode
func (r *PostcodeResolver) LocalAuthority(ctx context.Context, postcode string) (string, error) {
	key := Normalize(postcode)

	r.cacheLock.RLock()
	if authority, ok := r.cache[key]; ok {
		r.cacheLock.RUnlock()
		r.logger.WithFields(logrus.Fields{
			"postcode":        key,
			"local_authority": authority,
			"source":          "cache",
		}).Debug("Found postcode in cache")
		return authority, nil
	}
	r.cacheLock.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/postcodes/%s", r.baseURL, url.PathEscape(key)), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("postcode lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrPostcodeNotFound, key)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("postcode lookup returned status %d: %s", resp.StatusCode, string(body))
	}

	var result postcodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Result == nil || result.Result.AdminDistrict == "" {
		return "", fmt.Errorf("%w: %s", ErrPostcodeNotFound, key)
	}
	authority := result.Result.AdminDistrict

	r.logger.WithFields(logrus.Fields{
		"postcode":        key,
		"local_authority": authority,
		"source":          "api",
	}).Info("Resolved postcode")

	r.cacheLock.Lock()
	r.cache[key] = authority
	r.cacheLock.Unlock()
	r.saveCache()

	return authority, nil
}
