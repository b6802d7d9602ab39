package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TrackedApp maps a stable app id onto the platform package identifier the
// device agent understands.
type TrackedApp struct {
	ID          string `mapstructure:"id" json:"id"`
	Name        string `mapstructure:"name" json:"name"`
	PackageName string `mapstructure:"packageName" json:"package_name"`
	IconName    string `mapstructure:"iconName" json:"icon_name"`
}

// CatalogConfig is the file-backed catalog of tracked apps plus the
// fallback daily limit applied when a user has no per-app limit configured.
type CatalogConfig struct {
	Apps                []TrackedApp `mapstructure:"apps"`
	DefaultDailyMinutes int          `mapstructure:"defaultDailyMinutes"`
}

func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Apps: []TrackedApp{
			{ID: "youtube", Name: "YouTube", PackageName: "com.google.android.youtube", IconName: "youtube"},
			{ID: "facebook", Name: "Facebook", PackageName: "com.facebook.katana", IconName: "facebook"},
			{ID: "twitter", Name: "Twitter", PackageName: "com.twitter.android", IconName: "twitter"},
			{ID: "instagram", Name: "Instagram", PackageName: "com.instagram.android", IconName: "instagram"},
		},
		DefaultDailyMinutes: 120,
	}
}

type CatalogHolder struct {
	current atomic.Value // holds CatalogConfig
}

func NewCatalogHolder() (*CatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("catalog")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/focusgate/config") // Volume-mounted config
	v.AddConfigPath("/etc/focusgate")            // System config
	v.AddConfigPath(".")                         // Current directory (dev mode)

	v.SetEnvPrefix("FOCUSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultCatalogConfig()
		v.SetDefault("catalog.apps", defaults.Apps)
		v.SetDefault("catalog.defaultDailyMinutes", defaults.DefaultDailyMinutes)
	}

	var cfg CatalogConfig
	if err := v.UnmarshalKey("catalog", &cfg); err != nil {
		return nil, err
	}
	if err := validateCatalogConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CatalogHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CatalogConfig
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Printf("[catalog-config] reload failed: %v", err)
			return
		}
		if err := validateCatalogConfig(updated); err != nil {
			log.Printf("[catalog-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[catalog-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticCatalogHolder wraps a fixed config with no file watching.
// Used by tests and by tools that do not run long enough to reload.
func NewStaticCatalogHolder(cfg CatalogConfig) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *CatalogHolder) Get() CatalogConfig {
	return h.current.Load().(CatalogConfig)
}

// App looks up a tracked app by id.
func (c CatalogConfig) App(id string) (TrackedApp, bool) {
	for _, app := range c.Apps {
		if app.ID == id {
			return app, true
		}
	}
	return TrackedApp{}, false
}

// AppByPackage looks up a tracked app by platform package name.
func (c CatalogConfig) AppByPackage(packageName string) (TrackedApp, bool) {
	for _, app := range c.Apps {
		if app.PackageName == packageName {
			return app, true
		}
	}
	return TrackedApp{}, false
}

func (c CatalogConfig) AppIDs() []string {
	ids := make([]string, 0, len(c.Apps))
	for _, app := range c.Apps {
		ids = append(ids, app.ID)
	}
	return ids
}

func validateCatalogConfig(cfg CatalogConfig) error {
	if len(cfg.Apps) == 0 {
		return errors.New("catalog.apps cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Apps))
	for _, app := range cfg.Apps {
		if strings.TrimSpace(app.ID) == "" || strings.TrimSpace(app.PackageName) == "" {
			return errors.New("catalog.apps entries require id and packageName")
		}
		if _, dup := seen[app.ID]; dup {
			return errors.New("catalog.apps ids must be unique")
		}
		seen[app.ID] = struct{}{}
	}
	if cfg.DefaultDailyMinutes <= 0 {
		return errors.New("catalog.defaultDailyMinutes must be positive")
	}
	return nil
}
