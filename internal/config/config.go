// Package config provides the server configuration, read from command-line
// flags, an optional JSON file and environment variables, in that order of
// increasing precedence. A .env file in the working directory is loaded
// into the environment first.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Duration is a time.Duration that reads "30s"-style strings from JSON.
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		d.Duration = v
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("duration must be a string like \"30s\" or nanoseconds")
	}
	d.Duration = time.Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// User is an entry of the approver directory. PasswordHash and Member are
// only used when no LDAP server is configured.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Approver     string `json:"approver"`
	PasswordHash string `json:"password_hash"`
	Member       *bool  `json:"member"`
}

// IsMember reports whether the user may log in through the static directory.
// Users are members unless stated otherwise.
func (u User) IsMember() bool {
	return u.Member == nil || *u.Member
}

// LDAP configures the directory server.
type LDAP struct {
	URL             string   `json:"url"`
	BindDN          string   `json:"bind_dn"`
	BindPassword    string   `json:"bind_password"`
	BaseDN          string   `json:"base_dn"`
	UserAttribute   string   `json:"user_attribute"`
	GroupDN         string   `json:"group_dn"`
	GroupFilter     string   `json:"group_filter"`
	MemberAttribute string   `json:"member_attribute"`
	CAFile          string   `json:"ca_file"`
	Timeout         Duration `json:"timeout"`
}

// S3 configures the object store approved packages go to.
// An empty Endpoint keeps objects in memory.
type S3 struct {
	Endpoint  string   `json:"endpoint"`
	AccessKey string   `json:"access_key"`
	SecretKey string   `json:"secret_key"`
	Bucket    string   `json:"bucket"`
	Region    string   `json:"region"`
	UseSSL    bool     `json:"use_ssl"`
	Timeout   Duration `json:"timeout"`
}

// Options holds the configuration values for the server.
type Options struct {
	// Addr is the listening address (ip:port).
	Addr string `json:"addr"`
	// TLSCert and TLSKey are PEM files. With SelfSignedTLS they are
	// generated when missing.
	TLSCert       string   `json:"tls_cert"`
	TLSKey        string   `json:"tls_key"`
	SelfSignedTLS bool     `json:"self_signed_tls"`
	TLSHosts      []string `json:"tls_hosts"`

	LogLevel string `json:"log_level"`

	LDAP  LDAP   `json:"ldap"`
	Users []User `json:"users"`
	// SecondFactorCode is the shared second-factor secret.
	SecondFactorCode string `json:"second_factor_code"`

	S3 S3 `json:"s3"`

	// DatabaseDSN enables the PostgreSQL history store when set.
	DatabaseDSN string `json:"database_dsn"`

	SessionIdle    Duration `json:"session_idle"`
	ReaperInterval Duration `json:"reaper_interval"`

	// Config is the path to the config file.
	Config string `json:"-"`
}

func defaults() *Options {
	return &Options{
		Addr:     "localhost:8080",
		TLSCert:  "certs/server.crt",
		TLSKey:   "certs/server.key",
		TLSHosts: []string{"localhost", "127.0.0.1"},
		LogLevel: "info",
		LDAP: LDAP{
			UserAttribute:   "uid",
			MemberAttribute: "memberOf",
			Timeout:         Duration{10 * time.Second},
		},
		Users: []User{
			{ID: "okan", Name: "Okan", Approver: "emir"},
			{ID: "emir", Name: "Emir", Approver: "okan"},
		},
		S3: S3{
			Bucket:  "data-uploads",
			Region:  "us-east-1",
			Timeout: Duration{30 * time.Second},
		},
		SessionIdle:    Duration{30 * time.Minute},
		ReaperInterval: Duration{time.Minute},
	}
}

// Parse loads .env, parses the process flags and environment and returns the
// options. It exits the process on invalid configuration.
func Parse() *Options {
	_ = godotenv.Load()
	opts, err := Load(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("error while loading config: %v", err)
	}
	return opts
}

// Load builds Options from args parsed by fs, the JSON file they or the
// CONFIG variable point to, and getenv overrides.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Options, error) {
	opts := defaults()
	var selfSigned bool
	fs.StringVar(&opts.Addr, "a", opts.Addr, "run on ip:port server")
	fs.StringVar(&opts.DatabaseDSN, "d", opts.DatabaseDSN, "db address")
	fs.StringVar(&opts.LogLevel, "l", opts.LogLevel, "log level")
	fs.StringVar(&opts.TLSCert, "tls-cert", opts.TLSCert, "TLS certificate file")
	fs.StringVar(&opts.TLSKey, "tls-key", opts.TLSKey, "TLS private key file")
	fs.BoolVar(&selfSigned, "self-signed", false, "generate a self-signed certificate when missing")
	fs.StringVar(&opts.Config, "config", "config.json", "path to config file")
	fs.StringVar(&opts.Config, "c", "config.json", "path to config file (shorthand)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath := getenv("CONFIG"); configPath != "" {
		opts.Config = configPath
	}
	if opts.Config != "" {
		if _, err := os.Stat(opts.Config); err == nil {
			data, err := os.ReadFile(opts.Config)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := json.Unmarshal(data, opts); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}
	// Flags given explicitly win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			opts.Addr = f.Value.String()
		case "d":
			opts.DatabaseDSN = f.Value.String()
		case "l":
			opts.LogLevel = f.Value.String()
		case "tls-cert":
			opts.TLSCert = f.Value.String()
		case "tls-key":
			opts.TLSKey = f.Value.String()
		case "self-signed":
			opts.SelfSignedTLS = selfSigned
		}
	})

	if err := applyEnv(opts, getenv); err != nil {
		return nil, err
	}
	return opts, opts.Validate()
}

func applyEnv(opts *Options, getenv func(string) string) error {
	str := map[string]*string{
		"SERVER_ADDRESS":        &opts.Addr,
		"DATABASE_DSN":          &opts.DatabaseDSN,
		"LOG_LEVEL":             &opts.LogLevel,
		"TLS_CERT":              &opts.TLSCert,
		"TLS_KEY":               &opts.TLSKey,
		"LDAP_URL":              &opts.LDAP.URL,
		"LDAP_BIND_DN":          &opts.LDAP.BindDN,
		"LDAP_BIND_PASSWORD":    &opts.LDAP.BindPassword,
		"LDAP_BASE_DN":          &opts.LDAP.BaseDN,
		"LDAP_USER_ATTRIBUTE":   &opts.LDAP.UserAttribute,
		"LDAP_GROUP_DN":         &opts.LDAP.GroupDN,
		"LDAP_GROUP_FILTER":     &opts.LDAP.GroupFilter,
		"LDAP_MEMBER_ATTRIBUTE": &opts.LDAP.MemberAttribute,
		"LDAP_CA_FILE":          &opts.LDAP.CAFile,
		"SECOND_FACTOR_CODE":    &opts.SecondFactorCode,
		"S3_ENDPOINT_URL":       &opts.S3.Endpoint,
		"AWS_ACCESS_KEY_ID":     &opts.S3.AccessKey,
		"AWS_SECRET_ACCESS_KEY": &opts.S3.SecretKey,
		"S3_BUCKET_NAME":        &opts.S3.Bucket,
		"AWS_DEFAULT_REGION":    &opts.S3.Region,
	}
	for name, dst := range str {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	if v := getenv("TLS_HOSTS"); v != "" {
		opts.TLSHosts = splitList(v)
	}
	if v := getenv("SELF_SIGNED_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SELF_SIGNED_TLS: %w", err)
		}
		opts.SelfSignedTLS = b
	}
	if v := getenv("S3_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("S3_USE_SSL: %w", err)
		}
		opts.S3.UseSSL = b
	}

	durations := map[string]*Duration{
		"LDAP_TIMEOUT":            &opts.LDAP.Timeout,
		"S3_TIMEOUT":              &opts.S3.Timeout,
		"SESSION_IDLE_TIMEOUT":    &opts.SessionIdle,
		"SESSION_REAPER_INTERVAL": &opts.ReaperInterval,
	}
	for name, dst := range durations {
		v := getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		dst.Duration = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports configuration that cannot work.
func (o *Options) Validate() error {
	switch {
	case o.Addr == "":
		return errors.New("addr is required")
	case o.SecondFactorCode == "":
		return errors.New("second factor code is required (SECOND_FACTOR_CODE)")
	case len(o.Users) == 0:
		return errors.New("at least one user is required")
	case o.SessionIdle.Duration <= 0 || o.ReaperInterval.Duration <= 0:
		return errors.New("session idle timeout and reaper interval must be positive")
	case o.S3.Endpoint != "" && o.S3.Bucket == "":
		return errors.New("s3 bucket is required")
	}
	seen := make(map[string]bool, len(o.Users))
	for _, u := range o.Users {
		if u.ID == "" {
			return errors.New("user id is required")
		}
		if seen[u.ID] {
			return fmt.Errorf("duplicate user %q", u.ID)
		}
		seen[u.ID] = true
	}
	return nil
}

// UseLDAP reports whether a directory server is configured.
func (o *Options) UseLDAP() bool {
	return o.LDAP.URL != ""
}
