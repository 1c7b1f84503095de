package storefront

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/Lunary1/lunar-bot/internal/automation"
	"github.com/Lunary1/lunar-bot/internal/domain"
)

// Register adds a constructor for every profile to adapters
func Register(adapters *automation.Adapters, profiles map[domain.StoreType]*Profile, open Opener, log *logrus.Logger) {
	for store, profile := range profiles {
		profile := profile
		adapters.Register(store, func(opts automation.Options) (automation.StoreBot, error) {
			return NewBot(profile, opts, open, log), nil
		})
	}
}

// LoadAll returns the builtin profiles overlaid with those in dir, if set
func LoadAll(dir string) (map[domain.StoreType]*Profile, error) {
	profiles, err := BuiltinProfiles()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return profiles, nil
	}
	extra, err := LoadProfiles(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("loading profiles from %s: %w", dir, err)
	}
	for store, p := range extra {
		profiles[store] = p
	}
	return profiles, nil
}
