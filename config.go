package main

import (
	"encoding/json"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig holds all server configuration.
// Priority (lowest → highest): defaults < env vars < JSON config file < CLI flags.
type AppConfig struct {
	// Server
	DB   string `json:"db" env:"DB"`     // database connection string
	Dev  bool   `json:"dev" env:"DEV"`   // dev mode: verbose logging, db dumps on errors
	Addr string `json:"addr" env:"ADDR"` // HTTP listen address

	// Logging (extended diagnostics, off by default)
	LogOutputDir string `json:"log_output_dir" env:"LOG_OUTPUT_DIR"`
	LogRequests  bool   `json:"log_requests" env:"LOG_REQUESTS"`
	LogEvents    bool   `json:"log_events" env:"LOG_EVENTS"`
	LogDB        bool   `json:"log_db" env:"LOG_DB"`
	LogWS        bool   `json:"log_ws" env:"LOG_WS"`
	LogDebug     bool   `json:"log_debug" env:"LOG_DEBUG"`

	// Game defaults
	SpyRevealChance float64        `json:"spy_reveal_chance" env:"SPY_REVEAL_CHANCE"`
	Timeouts        TimeoutsConfig `json:"timeouts" envPrefix:"TIMEOUT_"`

	// AI Storyteller
	StorytellerProvider    string `json:"storyteller_provider" env:"STORYTELLER_PROVIDER"`       // ollama | openai | claude | gemini | groq | openai-compatible
	StorytellerModel       string `json:"storyteller_model" env:"STORYTELLER_MODEL"`             // model name
	StorytellerOllamaURL   string `json:"storyteller_ollama_url" env:"STORYTELLER_OLLAMA_URL"`   // Ollama server URL
	StorytellerURL         string `json:"storyteller_url" env:"STORYTELLER_URL"`                 // base URL for openai-compatible
	StorytellerAPIKey      string `json:"storyteller_api_key" env:"STORYTELLER_API_KEY"`         // API key for openai-compatible
	StorytellerTemperature string `json:"storyteller_temperature" env:"STORYTELLER_TEMPERATURE"` // float 0-1 as string
	StorytellerThinking    string `json:"storyteller_thinking" env:"STORYTELLER_THINKING"`       // none | low | medium | high | auto
	GroqAPIKey             string `json:"groq_api_key" env:"GROQ_API_KEY"`                       // API key for groq provider
}

// TimeoutsConfig is Timeouts in whole seconds. Zero means "resolve immediately as no action".
type TimeoutsConfig struct {
	Protect      int `json:"protect" env:"PROTECT"`
	Knowledge    int `json:"knowledge" env:"KNOWLEDGE"`
	Spy          int `json:"spy" env:"SPY"`
	WolfVote     int `json:"wolf_vote" env:"WOLF_VOTE"`
	Convert      int `json:"convert" env:"CONVERT"`
	Potion       int `json:"potion" env:"POTION"`
	PeriodicKill int `json:"periodic_kill" env:"PERIODIC_KILL"`
	Charm        int `json:"charm" env:"CHARM"`
	LastGasp     int `json:"last_gasp" env:"LAST_GASP"`
	Pairing      int `json:"pairing" env:"PAIRING"`
	DayVote      int `json:"day_vote" env:"DAY_VOTE"`
	Narration    int `json:"narration" env:"NARRATION"`
}

func (tc TimeoutsConfig) toTimeouts() Timeouts {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return Timeouts{
		Protect:      sec(tc.Protect),
		Knowledge:    sec(tc.Knowledge),
		Spy:          sec(tc.Spy),
		WolfVote:     sec(tc.WolfVote),
		Convert:      sec(tc.Convert),
		Potion:       sec(tc.Potion),
		PeriodicKill: sec(tc.PeriodicKill),
		Charm:        sec(tc.Charm),
		LastGasp:     sec(tc.LastGasp),
		Pairing:      sec(tc.Pairing),
		DayVote:      sec(tc.DayVote),
		Narration:    sec(tc.Narration),
	}
}

func (cfg AppConfig) toLogConfig() LogConfig {
	return LogConfig{
		OutputDir:   cfg.LogOutputDir,
		LogRequests: cfg.LogRequests,
		LogEvents:   cfg.LogEvents,
		LogDB:       cfg.LogDB,
		LogWS:       cfg.LogWS,
		Debug:       cfg.LogDebug,
	}
}

// gameOptions is the starting Options of every new session.
func (cfg AppConfig) gameOptions() Options {
	opts := DefaultOptions()
	opts.SpyRevealChance = cfg.SpyRevealChance
	opts.Timeouts = cfg.Timeouts.toTimeouts()
	return opts
}

func defaultConfig() AppConfig {
	d := DefaultTimeouts()
	sec := func(t time.Duration) int { return int(t / time.Second) }
	return AppConfig{
		DB:                   "file::memory:?cache=shared",
		Addr:                 ":8080",
		StorytellerOllamaURL: "http://localhost:11434",
		SpyRevealChance:      DefaultOptions().SpyRevealChance,
		Timeouts: TimeoutsConfig{
			Protect:      sec(d.Protect),
			Knowledge:    sec(d.Knowledge),
			Spy:          sec(d.Spy),
			WolfVote:     sec(d.WolfVote),
			Convert:      sec(d.Convert),
			Potion:       sec(d.Potion),
			PeriodicKill: sec(d.PeriodicKill),
			Charm:        sec(d.Charm),
			LastGasp:     sec(d.LastGasp),
			Pairing:      sec(d.Pairing),
			DayVote:      sec(d.DayVote),
			Narration:    sec(d.Narration),
		},
	}
}

// loadDotEnv copies the variables of a dotenv file into the environment.
// Variables already set in the environment keep their value; a missing file is fine.
func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Config: failed to read %s: %v", path, err)
	}
}

// loadConfig builds a config by layering: defaults → env vars (.env included) → JSON config file.
// CLI flag overrides are applied separately by flagValues.applyTo after flag.Parse.
func loadConfig(configPath string) AppConfig {
	cfg := defaultConfig()

	// Layer 1: env vars. Unset variables leave the defaults alone.
	loadDotEnv(".env")
	if err := env.Parse(&cfg); err != nil {
		log.Printf("Config: ignoring malformed environment: %v", err)
	}

	// Layer 2: JSON config file: only fields present in the file override env vars
	if data, err := os.ReadFile(configPath); err == nil {
		var overlay map[string]json.RawMessage
		if err := json.Unmarshal(data, &overlay); err != nil {
			log.Printf("Config: failed to parse %s: %v", configPath, err)
		} else {
			applyJSONOverlay(&cfg, overlay)
			log.Printf("Config: loaded from %s", configPath)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("Config: failed to read %s: %v", configPath, err)
	}

	return cfg
}

// applyJSONOverlay only sets fields that are explicitly present in the JSON map.
func applyJSONOverlay(cfg *AppConfig, m map[string]json.RawMessage) {
	set := func(key string, dst any) {
		if v, ok := m[key]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				log.Printf("Config: bad value for %q: %v", key, err)
			}
		}
	}
	set("db", &cfg.DB)
	set("dev", &cfg.Dev)
	set("addr", &cfg.Addr)
	set("log_output_dir", &cfg.LogOutputDir)
	set("log_requests", &cfg.LogRequests)
	set("log_events", &cfg.LogEvents)
	set("log_db", &cfg.LogDB)
	set("log_ws", &cfg.LogWS)
	set("log_debug", &cfg.LogDebug)
	set("spy_reveal_chance", &cfg.SpyRevealChance)
	// keys missing from the nested object keep their current value
	set("timeouts", &cfg.Timeouts)
	set("storyteller_provider", &cfg.StorytellerProvider)
	set("storyteller_model", &cfg.StorytellerModel)
	set("storyteller_ollama_url", &cfg.StorytellerOllamaURL)
	set("storyteller_url", &cfg.StorytellerURL)
	set("storyteller_api_key", &cfg.StorytellerAPIKey)
	set("storyteller_temperature", &cfg.StorytellerTemperature)
	set("storyteller_thinking", &cfg.StorytellerThinking)
	set("groq_api_key", &cfg.GroqAPIKey)
}

// flagValues holds pointers to all registered CLI flags.
type flagValues struct {
	configPath             *string
	db                     *string
	dev                    *bool
	addr                   *string
	logOutputDir           *string
	logRequests            *bool
	logEvents              *bool
	logDB                  *bool
	logWS                  *bool
	logDebug               *bool
	spyRevealChance        *float64
	wolfVote               *int
	dayVote                *int
	storytellerProvider    *string
	storytellerModel       *string
	storytellerOllamaURL   *string
	storytellerURL         *string
	storytellerAPIKey      *string
	storytellerTemperature *string
	storytellerThinking    *string
	groqAPIKey             *string
}

// registerFlags registers all CLI flags on fs and returns pointers to their values.
// Parse fs after this, then applyTo to layer them over the loaded config.
func registerFlags(fs *flag.FlagSet) flagValues {
	return flagValues{
		configPath:             fs.String("config", "config.json", "path to JSON config file"),
		db:                     fs.String("db", "", "database connection string"),
		dev:                    fs.Bool("dev", false, "enable development mode (verbose logging, db dumps on error)"),
		addr:                   fs.String("addr", "", "HTTP listen address (e.g. :8080)"),
		logOutputDir:           fs.String("log-output-dir", "", "directory for extended log files"),
		logRequests:            fs.Bool("log-requests", false, "log HTTP requests and responses"),
		logEvents:              fs.Bool("log-events", false, "log every announcement of every game"),
		logDB:                  fs.Bool("log-db", false, "log database dumps"),
		logWS:                  fs.Bool("log-ws", false, "log WebSocket messages"),
		logDebug:               fs.Bool("log-debug", false, "enable debug logging"),
		spyRevealChance:        fs.Float64("spy-reveal-chance", 0, "probability the little girl is caught peeking"),
		wolfVote:               fs.Int("wolf-vote", 0, "seconds the pack has to vote"),
		dayVote:                fs.Int("day-vote", 0, "seconds the village has to vote"),
		storytellerProvider:    fs.String("storyteller-provider", "", "AI storyteller provider (ollama|openai|claude|gemini|groq|openai-compatible)"),
		storytellerModel:       fs.String("storyteller-model", "", "AI storyteller model name"),
		storytellerOllamaURL:   fs.String("storyteller-ollama-url", "", "Ollama server URL"),
		storytellerURL:         fs.String("storyteller-url", "", "base URL for openai-compatible provider"),
		storytellerAPIKey:      fs.String("storyteller-api-key", "", "API key for storyteller provider"),
		storytellerTemperature: fs.String("storyteller-temperature", "", "sampling temperature 0-1"),
		storytellerThinking:    fs.String("storyteller-thinking", "", "thinking mode: none|low|medium|high|auto"),
		groqAPIKey:             fs.String("groq-api-key", "", "Groq API key"),
	}
}

// applyTo overlays any CLI flags that were explicitly set onto cfg.
// Flags that were not passed on the command line are ignored (env/JSON values win).
func (fv flagValues) applyTo(fs *flag.FlagSet, cfg *AppConfig) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db":
			cfg.DB = *fv.db
		case "dev":
			cfg.Dev = *fv.dev
		case "addr":
			cfg.Addr = *fv.addr
		case "log-output-dir":
			cfg.LogOutputDir = *fv.logOutputDir
		case "log-requests":
			cfg.LogRequests = *fv.logRequests
		case "log-events":
			cfg.LogEvents = *fv.logEvents
		case "log-db":
			cfg.LogDB = *fv.logDB
		case "log-ws":
			cfg.LogWS = *fv.logWS
		case "log-debug":
			cfg.LogDebug = *fv.logDebug
		case "spy-reveal-chance":
			cfg.SpyRevealChance = *fv.spyRevealChance
		case "wolf-vote":
			cfg.Timeouts.WolfVote = *fv.wolfVote
		case "day-vote":
			cfg.Timeouts.DayVote = *fv.dayVote
		case "storyteller-provider":
			cfg.StorytellerProvider = *fv.storytellerProvider
		case "storyteller-model":
			cfg.StorytellerModel = *fv.storytellerModel
		case "storyteller-ollama-url":
			cfg.StorytellerOllamaURL = *fv.storytellerOllamaURL
		case "storyteller-url":
			cfg.StorytellerURL = *fv.storytellerURL
		case "storyteller-api-key":
			cfg.StorytellerAPIKey = *fv.storytellerAPIKey
		case "storyteller-temperature":
			cfg.StorytellerTemperature = *fv.storytellerTemperature
		case "storyteller-thinking":
			cfg.StorytellerThinking = *fv.storytellerThinking
		case "groq-api-key":
			cfg.GroqAPIKey = *fv.groqAPIKey
		}
	})
}
