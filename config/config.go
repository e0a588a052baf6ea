package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	Server struct {
		// Port the HTTP API listens on
		Port string `env:"PORT" envDefault:"5250"`

		// Allowed CORS origins
		AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	}

	Database struct {
		// SQLite file holding external data, forecasts and jobs
		Path string `env:"DATABASE_PATH" envDefault:"database/valuation.db"`
	}

	Forecast struct {
		// Base directory for trained model artifacts
		ModelDir string `env:"MODEL_DIR" envDefault:"models"`

		// Number of trailing rows held out for evaluation
		Horizon int `env:"FORECAST_HORIZON" envDefault:"1"`

		// Number of (authority, property type) units trained concurrently
		Workers int `env:"FORECAST_WORKERS" envDefault:"4"`

		// Upper bound for one unit of work (in seconds)
		UnitTimeout int `env:"FORECAST_UNIT_TIMEOUT" envDefault:"600"`

		// What a cached artifact means: "reuse" its stored metrics or "skip" the combination
		CachePolicy string `env:"ARTIFACT_CACHE_POLICY" envDefault:"reuse"`
	}

	Boosting struct {
		Iterations     int     `env:"BOOSTING_ITERATIONS" envDefault:"200"`
		LearningRate   float64 `env:"BOOSTING_LEARNING_RATE" envDefault:"0.05"`
		MaxBins        int     `env:"BOOSTING_MAX_BINS" envDefault:"32"`
		MinLeafSamples int     `env:"BOOSTING_MIN_LEAF_SAMPLES" envDefault:"5"`
		L2             float64 `env:"BOOSTING_L2" envDefault:"3"`

		// Depth of the symmetric trees
		ObliviousDepth int `env:"OBLIVIOUS_DEPTH" envDefault:"4"`

		// Leaf budget of the leaf-wise trees
		LeafwiseMaxLeaves int `env:"LEAFWISE_MAX_LEAVES" envDefault:"15"`
	}

	TabPFN struct {
		// Inference endpoint; the family is disabled when empty
		URL string `env:"TABPFN_URL"`

		// Request timeout (in seconds)
		Timeout int `env:"TABPFN_TIMEOUT" envDefault:"120"`
	}

	// BatchProcessing configuration
	BatchProcessing struct {
		// Maximum number of training jobs waiting in the queue
		QueueSize int `env:"TRAINING_QUEUE_SIZE" envDefault:"16"`

		// Maximum number of retries for failed forecast writes
		MaxRetries int `env:"BATCH_MAX_RETRIES" envDefault:"3"`

		// Delay between retries in seconds
		RetryDelay int `env:"BATCH_RETRY_DELAY" envDefault:"5"`
	}

	Scheduler struct {
		Enabled bool `env:"RETRAIN_ENABLED" envDefault:"false"`

		// Day of month and hour (local time) of the monthly retraining run
		Day  int `env:"RETRAIN_DAY" envDefault:"1"`
		Hour int `env:"RETRAIN_HOUR" envDefault:"2"`
	}

	Redis struct {
		// Forecast events are published only when set
		URL     string `env:"REDIS_URL"`
		Channel string `env:"REDIS_CHANNEL" envDefault:"hpi:forecasts"`
	}

	Telegram struct {
		Enabled  bool   `env:"TELEGRAM_ENABLED" envDefault:"false"`
		BotToken string `env:"TELEGRAM_BOT_TOKEN"`
		ChatID   string `env:"TELEGRAM_CHAT_ID"`
		APIURL   string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`

		// Report only failed jobs and jobs with failed units
		FailuresOnly bool `env:"TELEGRAM_FAILURES_ONLY" envDefault:"false"`

		// Authorities whose single-authority jobs are reported; empty means all
		Authorities []string `env:"TELEGRAM_AUTHORITIES" envSeparator:","`
	}

	Postcodes struct {
		// postcodes.io compatible API used for postcodes missing from the database; empty disables it
		APIURL string `env:"POSTCODES_API_URL"`

		// Directory of the on-disk lookup cache
		CacheDir string `env:"POSTCODES_CACHE_DIR" envDefault:"cache/postcodes"`
	}

	Boundaries struct {
		// GeoJSON FeatureCollection of local authority polygons
		GeoJSONPath string `env:"BOUNDARIES_GEOJSON"`

		// JSON file caching bordering authorities
		BordersPath string `env:"BORDERS_PATH" envDefault:"config/bordering_authorities.json"`

		// Distance (in degrees) under which two boundaries count as touching
		Tolerance float64 `env:"BOUNDARIES_TOLERANCE" envDefault:"0.0001"`
	}
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Forecast.Horizon < 1 {
		return fmt.Errorf("FORECAST_HORIZON must be at least 1, got %d", c.Forecast.Horizon)
	}
	if c.Forecast.Workers < 1 {
		return fmt.Errorf("FORECAST_WORKERS must be at least 1, got %d", c.Forecast.Workers)
	}
	if c.Forecast.CachePolicy != "reuse" && c.Forecast.CachePolicy != "skip" {
		return fmt.Errorf("ARTIFACT_CACHE_POLICY must be reuse or skip, got %q", c.Forecast.CachePolicy)
	}
	if c.Boosting.MaxBins < 2 || c.Boosting.MaxBins > 255 {
		return fmt.Errorf("BOOSTING_MAX_BINS must be between 2 and 255, got %d", c.Boosting.MaxBins)
	}
	if c.Scheduler.Day < 1 || c.Scheduler.Day > 28 {
		return fmt.Errorf("RETRAIN_DAY must be between 1 and 28, got %d", c.Scheduler.Day)
	}
	return nil
}

// UnitTimeout returns the per-unit timeout, zero meaning none.
func (c *Config) UnitTimeout() time.Duration {
	return time.Duration(c.Forecast.UnitTimeout) * time.Second
}
