package checkout

import (
	"time"

	"github.com/patrickjm/shopwalk/internal/overlay"
)

// Site holds every selector the flow touches on one storefront.
type Site struct {
	StartURL        string   `toml:"start_url"`
	HomeReady       string   `toml:"home_ready"`
	SearchBox       string   `toml:"search_box"`
	ResultContainer string   `toml:"result_container"`
	ResultLinks     []string `toml:"result_links"`
	ProductTitle    string   `toml:"product_title"`
	BuyNow          string   `toml:"buy_now"`
	Identifier      []string `toml:"identifier"`
	Password        string   `toml:"password"`
	Verification    string   `toml:"verification"`
	LocaleTrigger   string   `toml:"locale_trigger"`
	LocaleChoice    string   `toml:"locale_choice"`
	LocationTrigger string   `toml:"location_trigger"`
	LocationDismiss string   `toml:"location_dismiss"`
}

// AmazonIN is the layout of www.amazon.in as of the last check.
func AmazonIN() Site {
	return Site{
		StartURL:        "https://www.amazon.in/",
		HomeReady:       "#nav-logo-sprites",
		SearchBox:       "#twotabsearchtextbox",
		ResultContainer: "[data-component-type='s-search-result']",
		ResultLinks:     []string{"a.a-link-normal", "h2 a"},
		ProductTitle:    "#productTitle",
		BuyNow:          "#buy-now-button",
		Identifier:      []string{"#ap_email_login", "#ap_email"},
		Password:        "#ap_password",
		Verification:    "#auth-pv-enter-code",
		LocaleTrigger:   "#icp-nav-flyout",
		LocaleChoice:    "a[href*='language=en_IN']",
		LocationTrigger: "#nav-global-location-popover-link",
		LocationDismiss: "span.a-button-inner input[type='submit']",
	}
}

// Merge returns s with every empty field taken from defaults.
func (s Site) Merge(defaults Site) Site {
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	out := Site{
		StartURL:        pick(s.StartURL, defaults.StartURL),
		HomeReady:       pick(s.HomeReady, defaults.HomeReady),
		SearchBox:       pick(s.SearchBox, defaults.SearchBox),
		ResultContainer: pick(s.ResultContainer, defaults.ResultContainer),
		ResultLinks:     s.ResultLinks,
		ProductTitle:    pick(s.ProductTitle, defaults.ProductTitle),
		BuyNow:          pick(s.BuyNow, defaults.BuyNow),
		Identifier:      s.Identifier,
		Password:        pick(s.Password, defaults.Password),
		Verification:    pick(s.Verification, defaults.Verification),
		LocaleTrigger:   pick(s.LocaleTrigger, defaults.LocaleTrigger),
		LocaleChoice:    pick(s.LocaleChoice, defaults.LocaleChoice),
		LocationTrigger: pick(s.LocationTrigger, defaults.LocationTrigger),
		LocationDismiss: pick(s.LocationDismiss, defaults.LocationDismiss),
	}
	if len(out.ResultLinks) == 0 {
		out.ResultLinks = defaults.ResultLinks
	}
	if len(out.Identifier) == 0 {
		out.Identifier = defaults.Identifier
	}
	return out
}

// OverlayRules lists the prompts cleared after the home page loads, locale
// first.
func (s Site) OverlayRules() []overlay.Rule {
	return []overlay.Rule{
		{
			Name:   "locale",
			Detect: s.LocaleTrigger,
			Click:  []string{s.LocaleTrigger, s.LocaleChoice},
			Idle:   true,
		},
		{
			Name:   "location",
			Detect: s.LocationTrigger,
			Click:  []string{s.LocationDismiss},
		},
	}
}

type Timeouts struct {
	Page        time.Duration
	Results     time.Duration
	ProductLoad time.Duration
	Product     time.Duration
	SignIn      time.Duration
	Boundary    time.Duration
	NewTab      time.Duration
	Settle      time.Duration
	IdleQuiet   time.Duration
	OverlayIdle time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Page:        30 * time.Second,
		Results:     30 * time.Second,
		ProductLoad: 60 * time.Second,
		Product:     30 * time.Second,
		SignIn:      30 * time.Second,
		Boundary:    30 * time.Second,
		NewTab:      30 * time.Second,
		Settle:      500 * time.Millisecond,
		IdleQuiet:   500 * time.Millisecond,
		OverlayIdle: 30 * time.Second,
	}
}
