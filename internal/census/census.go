// Package census implements discovery and selection over the Census Bureau
// data catalog. A Helper progressively narrows the catalog through the
// years -> products -> geographies -> variables stages; the pinned selection
// is then handed to the data-fetch stage.
package census

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cendat/internal/filter"
	"cendat/internal/model"
)

const (
	defaultCatalogURL      = "https://api.census.gov/data.json"
	defaultAPIHostFragment = "api.census.gov/data"
	defaultAPIKeyParam     = "key"
	defaultTimeoutSeconds  = 10
	defaultUserAgent       = "cendat/0.1"
)

var (
	// ErrNoProductSet is returned by geography/variable operations before any
	// product has been pinned.
	ErrNoProductSet = errors.New("census: no product set")
	// ErrNoFilteredView is returned by a bare set call when the corresponding
	// list call has not produced a non-empty filtered view yet.
	ErrNoFilteredView = errors.New("census: no filtered view to pin")
	// ErrEmptySelection is returned when explicit identifiers resolve to
	// nothing at all.
	ErrEmptySelection = errors.New("census: selection resolved to nothing")
)

type Config struct {
	CatalogURL      string
	APIHostFragment string
	APIKey          string
	APIKeyParam     string
	Timeout         time.Duration
	UserAgent       string
	Logger          zerolog.Logger
}

// ConfigFromEnv reads configuration from CENSUS_* environment variables,
// falling back to defaults for anything unset.
func ConfigFromEnv() Config {
	return Config{
		CatalogURL:      getenv("CENSUS_CATALOG_URL", defaultCatalogURL),
		APIHostFragment: getenv("CENSUS_API_HOST_FRAGMENT", defaultAPIHostFragment),
		APIKey:          strings.TrimSpace(os.Getenv("CENSUS_API_KEY")),
		APIKeyParam:     getenv("CENSUS_API_KEY_PARAM", defaultAPIKeyParam),
		Timeout:         time.Duration(getenvInt("CENSUS_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second,
		UserAgent:       getenv("CENSUS_USER_AGENT", defaultUserAgent),
	}
}

// FilterOptions narrows a listing by regex patterns over its text field.
type FilterOptions struct {
	Patterns []string
	Mode     filter.Mode
}

// ListOptions narrows a product listing. Years overrides the helper's set
// years for this call only; empty means fall back to them.
type ListOptions struct {
	FilterOptions
	Years []int
}

// SetResult reports the outcome of a set call: how many records were pinned,
// non-fatal warnings for identifiers that did not resolve, and (for
// geographies) the parent levels the data-fetch stage must qualify.
type SetResult struct {
	Selected           int
	Warnings           []string
	ParentRequirements map[string][]string
}

func (r *SetResult) warnf(log zerolog.Logger, format string, args ...any) {
	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	r.Warnings = append(r.Warnings, msg)
	log.Warn().Msg(msg)
}

// Helper is the catalog resolution engine. All exported methods are safe for
// concurrent use; the catalog itself is fetched at most once successfully
// per process.
type Helper struct {
	config Config
	client *http.Client
	log    zerolog.Logger

	mu      sync.Mutex
	catalog []model.Product

	years     []int
	products  []model.Product
	geos      []model.GeographyLevel
	variables []model.Variable

	lastProducts  []model.Product
	lastGeos      []model.GeographyLevel
	lastVariables []model.Variable
}

// New builds a Helper from the environment.
func New() (*Helper, error) {
	return NewWithConfig(ConfigFromEnv())
}

func NewWithConfig(cfg Config) (*Helper, error) {
	if strings.TrimSpace(cfg.CatalogURL) == "" {
		cfg.CatalogURL = defaultCatalogURL
	}
	if strings.TrimSpace(cfg.APIHostFragment) == "" {
		cfg.APIHostFragment = defaultAPIHostFragment
	}
	if strings.TrimSpace(cfg.APIKeyParam) == "" {
		cfg.APIKeyParam = defaultAPIKeyParam
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	return &Helper{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    cfg.Logger,
	}, nil
}

// LoadKey loads an API key after construction. An absent key is not an
// error; unauthenticated requests just hit stricter upstream rate limits.
func (h *Helper) LoadKey(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key = strings.TrimSpace(key)
	if key == "" {
		h.log.Warn().Msg("no API key provided; requests may be rate limited")
		return
	}
	h.config.APIKey = key
	h.log.Info().Msg("API key loaded")
}

// SetYears pins the years of interest. Downstream product matching
// intersects against this set.
func (h *Helper) SetYears(years ...int) error {
	normalized, err := model.NewYearSet(years...)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.years = normalized
	h.log.Info().Ints("years", normalized).Msg("years set")
	return nil
}

// Years returns a copy of the currently set years.
func (h *Helper) Years() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return model.CopyYears(h.years)
}

// Selection returns an independent snapshot of everything pinned so far.
func (h *Helper) Selection() model.Selection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return model.Selection{
		Years:       model.CopyYears(h.years),
		Products:    model.CopyProducts(h.products),
		Geographies: model.CopyGeographies(h.geos),
		Variables:   model.CopyVariables(h.variables),
	}
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
