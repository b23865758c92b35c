// Package radconfig holds the RADIUS and database settings edited from the
// dashboard.
package radconfig

import (
	"fmt"
	"net"
	"net/url"

	"github.com/go-playground/validator/v10"
)

// Mask replaces stored secrets in read responses.
const Mask = "********"

var validate = validator.New()

// Config is the editable server configuration.
type Config struct {
	DBEngine         string `json:"dbEngine" yaml:"db_engine" validate:"oneof=postgresql mysql"`
	DBHost           string `json:"dbHost" yaml:"db_host" validate:"required"`
	DBPort           string `json:"dbPort" yaml:"db_port" validate:"required,numeric"`
	DBUser           string `json:"dbUser" yaml:"db_user"`
	DBPass           string `json:"dbPass" yaml:"db_pass"`
	DBName           string `json:"dbName" yaml:"db_name" validate:"required"`
	RadiusSecret     string `json:"radiusSecret" yaml:"radius_secret"`
	RadiusPort       string `json:"radiusPort" yaml:"radius_port" validate:"omitempty,numeric"`
	RadiusAuthPort   string `json:"radiusAuthPort" yaml:"radius_auth_port" validate:"omitempty,numeric"`
	RadiusAcctPort   string `json:"radiusAcctPort" yaml:"radius_acct_port" validate:"omitempty,numeric"`
	NASSecret        string `json:"nasSecret" yaml:"nas_secret"`
	EnableAccounting bool   `json:"enableAccounting" yaml:"enable_accounting"`
	EnableBilling    bool   `json:"enableBilling" yaml:"enable_billing"`
	LogLevel         string `json:"logLevel" yaml:"log_level" validate:"oneof=debug info warning error"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DBEngine:         "postgresql",
		DBHost:           "localhost",
		DBPort:           "5432",
		DBUser:           "radius",
		DBName:           "radius",
		RadiusPort:       "1812",
		RadiusAuthPort:   "1812",
		RadiusAcctPort:   "1813",
		EnableAccounting: true,
		LogLevel:         "info",
	}
}

// Validate checks field formats.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for _, p := range []string{c.DBPort, c.RadiusPort, c.RadiusAuthPort, c.RadiusAcctPort} {
		if p == "" {
			continue
		}
		var n int
		if _, err := fmt.Sscan(p, &n); err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("port %q out of range", p)
		}
	}
	return nil
}

// Masked returns a copy with secrets replaced by Mask.
func (c Config) Masked() Config {
	c.DBPass = mask(c.DBPass)
	c.RadiusSecret = mask(c.RadiusSecret)
	c.NASSecret = mask(c.NASSecret)
	return c
}

// PostgresDSN builds a connection URL for the configured database.
func (c Config) PostgresDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPass),
		Host:   net.JoinHostPort(c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	return u.String()
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return Mask
}

// Patch updates the non-nil fields of a Config. A secret that is empty or
// equal to Mask keeps the stored value.
type Patch struct {
	DBEngine         *string `json:"dbEngine"`
	DBHost           *string `json:"dbHost"`
	DBPort           *string `json:"dbPort"`
	DBUser           *string `json:"dbUser"`
	DBPass           *string `json:"dbPass"`
	DBName           *string `json:"dbName"`
	RadiusSecret     *string `json:"radiusSecret"`
	RadiusPort       *string `json:"radiusPort"`
	RadiusAuthPort   *string `json:"radiusAuthPort"`
	RadiusAcctPort   *string `json:"radiusAcctPort"`
	NASSecret        *string `json:"nasSecret"`
	EnableAccounting *bool   `json:"enableAccounting"`
	EnableBilling    *bool   `json:"enableBilling"`
	LogLevel         *string `json:"logLevel"`
}

// Apply returns c with patch applied.
func (p Patch) Apply(c Config) Config {
	setIf(&c.DBEngine, p.DBEngine)
	setIf(&c.DBHost, p.DBHost)
	setIf(&c.DBPort, p.DBPort)
	setIf(&c.DBUser, p.DBUser)
	setSecret(&c.DBPass, p.DBPass)
	setIf(&c.DBName, p.DBName)
	setSecret(&c.RadiusSecret, p.RadiusSecret)
	setIf(&c.RadiusPort, p.RadiusPort)
	setIf(&c.RadiusAuthPort, p.RadiusAuthPort)
	setIf(&c.RadiusAcctPort, p.RadiusAcctPort)
	setSecret(&c.NASSecret, p.NASSecret)
	setIf(&c.EnableAccounting, p.EnableAccounting)
	setIf(&c.EnableBilling, p.EnableBilling)
	setIf(&c.LogLevel, p.LogLevel)
	return c
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setSecret(dst *string, v *string) {
	if v != nil && *v != "" && *v != Mask {
		*dst = *v
	}
}
