package storefront

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Lunary1/lunar-bot/internal/domain"
)

//go:embed profiles/*.yaml
var embedded embed.FS

// Selectors are the CSS selectors a profile adapter drives
type Selectors struct {
	CookieAccept      string `yaml:"cookie_accept"`
	LoginUsername     string `yaml:"login_username"`
	LoginPassword     string `yaml:"login_password"`
	LoginSubmit       string `yaml:"login_submit"`
	LoginError        string `yaml:"login_error"`
	LoggedInMarker    string `yaml:"logged_in_marker"`
	ProductName       string `yaml:"product_name"`
	ProductPrice      string `yaml:"product_price"`
	ProductImage      string `yaml:"product_image"`
	AddToCart         string `yaml:"add_to_cart"`
	UnavailableMarker string `yaml:"unavailable_marker"`
	QuantityInput     string `yaml:"quantity_input"`
	CartConfirm       string `yaml:"cart_confirm"`
	CheckoutButton    string `yaml:"checkout_button"`
	CheckoutForm      string `yaml:"checkout_form"`
	PlaceOrder        string `yaml:"place_order"`
	OrderReference    string `yaml:"order_reference"`
	SearchResult      string `yaml:"search_result"`
}

// Profile describes one storefront as data
type Profile struct {
	Store          domain.StoreType  `yaml:"store"`
	Name           string            `yaml:"name"`
	BaseURL        string            `yaml:"base_url"`
	LoginURL       string            `yaml:"login_url"`
	SearchURL      string            `yaml:"search_url"` // contains one %s for the query
	CartURL        string            `yaml:"cart_url"`
	Selectors      Selectors         `yaml:"selectors"`
	CheckoutFields map[string]string `yaml:"checkout_fields"` // CheckoutInfo yaml key -> selector
}

// Validate checks the selectors every flow needs
func (p *Profile) Validate() error {
	if p.Store == "" {
		return fmt.Errorf("profile: store is required")
	}
	required := map[string]string{
		"login_url":                  p.LoginURL,
		"cart_url":                   p.CartURL,
		"selectors.login_username":   p.Selectors.LoginUsername,
		"selectors.login_password":   p.Selectors.LoginPassword,
		"selectors.login_submit":     p.Selectors.LoginSubmit,
		"selectors.logged_in_marker": p.Selectors.LoggedInMarker,
		"selectors.product_name":     p.Selectors.ProductName,
		"selectors.product_price":    p.Selectors.ProductPrice,
		"selectors.add_to_cart":      p.Selectors.AddToCart,
		"selectors.checkout_button":  p.Selectors.CheckoutButton,
		"selectors.place_order":      p.Selectors.PlaceOrder,
		"selectors.order_reference":  p.Selectors.OrderReference,
	}
	keys := make([]string, 0, len(required))
	for k := range required {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if required[k] == "" {
			return fmt.Errorf("profile %s: %s is required", p.Store, k)
		}
	}
	return nil
}

// ParseProfile decodes and validates one YAML profile
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfiles reads every *.yaml file in dir of fsys
func LoadProfiles(fsys fs.FS, dir string) (map[domain.StoreType]*Profile, error) {
	entries, err := fs.Glob(fsys, path.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[domain.StoreType]*Profile, len(entries))
	for _, name := range entries {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		p, err := ParseProfile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(name), err)
		}
		if _, dup := profiles[p.Store]; dup {
			return nil, fmt.Errorf("%s: duplicate profile for store %s", path.Base(name), p.Store)
		}
		profiles[p.Store] = p
	}
	return profiles, nil
}

// BuiltinProfiles returns the profiles compiled into the binary
func BuiltinProfiles() (map[domain.StoreType]*Profile, error) {
	return LoadProfiles(embedded, "profiles")
}
