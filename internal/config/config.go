package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix     = "MEDSCAN"
	EnvConfigFile = "MEDSCAN_CONFIG"

	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"

	DefaultImageSize = 224
)

// Config holds application configuration.
type Config struct {
	Server ServerConfig           `mapstructure:"server"`
	ONNX   ONNXConfig             `mapstructure:"onnx"`
	Log    LogConfig              `mapstructure:"log"`
	Models map[string]ModelConfig `mapstructure:"models"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	MaxUploadBytes    int64         `mapstructure:"max_upload_bytes"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ONNXConfig holds onnxruntime settings. An empty LibraryPath leaves the
// runtime's default shared library name in place.
type ONNXConfig struct {
	LibraryPath string `mapstructure:"library_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ModelConfig describes one classifier artifact and the endpoint serving it.
type ModelConfig struct {
	Path       string   `mapstructure:"path"`
	Route      string   `mapstructure:"route"`
	Labels     []string `mapstructure:"labels"`
	InputName  string   `mapstructure:"input_name"`
	OutputName string   `mapstructure:"output_name"`
	ImageSize  int      `mapstructure:"image_size"`
	Layout     string   `mapstructure:"layout"`
}

type modelDefaults struct {
	name   string
	path   string
	route  string
	labels []string
}

var reservedRoutes = map[string]bool{"/health": true, "/models": true, "/metrics": true}

var builtinModels = []modelDefaults{
	{
		name:   "brain",
		path:   "models/brain_tumor.onnx",
		route:  "/predict",
		labels: []string{"glioma", "meningioma", "notumor", "pituitary"},
	},
	{
		name:   "skin",
		path:   "models/dermnet.onnx",
		route:  "/predict/skin",
		labels: []string{"Acne", "Eczema", "Psoriasis", "Melanoma", "BCC", "Nevus"},
	},
	{
		name:   "oral",
		path:   "models/oral.onnx",
		route:  "/predict/oral",
		labels: []string{"CANCER", "NON CANCER"},
	},
}

// Load reads configuration from defaults, an optional file and the
// environment. Env var overrides use prefix MEDSCAN_, so models.brain.path
// becomes MEDSCAN_MODELS_BRAIN_PATH. An empty path falls back to
// MEDSCAN_CONFIG; with neither set only defaults and env apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	for name, m := range c.Models {
		m.Layout = strings.ToUpper(m.Layout)
		// Labels may contain spaces ("NON CANCER"), so the env form is a
		// comma-separated list rather than viper's whitespace split.
		if raw, ok := os.LookupEnv(labelsEnv(name)); ok && strings.TrimSpace(raw) != "" {
			m.Labels = splitList(raw)
		}
		c.Models[name] = m
	}
	return c, nil
}

func labelsEnv(model string) string {
	return EnvPrefix + "_MODELS_" + strings.ToUpper(model) + "_LABELS"
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("onnx.library_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Every key needs a default for AutomaticEnv to see it during Unmarshal.
	for _, m := range builtinModels {
		prefix := "models." + m.name + "."
		v.SetDefault(prefix+"path", m.path)
		v.SetDefault(prefix+"route", m.route)
		v.SetDefault(prefix+"labels", m.labels)
		v.SetDefault(prefix+"input_name", "")
		v.SetDefault(prefix+"output_name", "")
		v.SetDefault(prefix+"image_size", DefaultImageSize)
		v.SetDefault(prefix+"layout", LayoutNHWC)
	}
}

// Validate checks the configuration before anything is loaded or served.
// All problems are reported at once.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must be positive"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q unknown", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q unknown", c.Log.Format))
	}

	if len(c.Models) == 0 {
		errs = append(errs, errors.New("no models configured"))
	}
	routes := make(map[string]string, len(c.Models))
	for name, m := range c.Models {
		if m.Path == "" {
			errs = append(errs, fmt.Errorf("models.%s.path is empty", name))
		}
		if !strings.HasPrefix(m.Route, "/") {
			errs = append(errs, fmt.Errorf("models.%s.route %q must start with /", name, m.Route))
		} else if reservedRoutes[m.Route] {
			errs = append(errs, fmt.Errorf("models.%s.route %q is reserved", name, m.Route))
		} else if other, ok := routes[m.Route]; ok {
			errs = append(errs, fmt.Errorf("models.%s.route %q already used by %s", name, m.Route, other))
		} else {
			routes[m.Route] = name
		}
		if len(m.Labels) < 2 {
			errs = append(errs, fmt.Errorf("models.%s.labels needs at least two classes", name))
		}
		if m.ImageSize <= 0 {
			errs = append(errs, fmt.Errorf("models.%s.image_size must be positive", name))
		}
		if m.Layout != LayoutNHWC && m.Layout != LayoutNCHW {
			errs = append(errs, fmt.Errorf("models.%s.layout %q must be %s or %s", name, m.Layout, LayoutNHWC, LayoutNCHW))
		}
	}

	return errors.Join(errs...)
}
