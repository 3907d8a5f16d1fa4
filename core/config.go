package core

import (
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host               string
		Addr               string
		DebugAddr          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
	}

	// ExamConfig holds the integrity-enforcement tunables. All thresholds are
	// configuration inputs so sensitivity can be adjusted per deployment.
	ExamConfig struct {
		SoftViolationThreshold int           // soft violation repetitions before an escalation
		WarningCeiling         int           // warnings before the session is terminated
		GraceWindow            time.Duration // time a dropped session may reconnect before auto-termination
		HeartbeatInterval      time.Duration
		HeartbeatMissFactor    int // missed heartbeats treated as a disconnect
	}

	NotifConfig struct {
		QueueCapacity int           // max queued notifications per user; oldest dropped first
		QueueTTL      time.Duration // queued notifications older than this are pruned
		PruneInterval time.Duration
	}

	Config struct {
		Debug            bool
		TestMode         bool
		Env              string
		Build            string
		AppName          string
		SecretKey        string
		DefaultFromEmail string
		StaffEmail       string // recipient of termination notices
		SendgridAPIKey   string
		RollbarToken     string
		DatabaseURL      string // audit sink DSN; empty means in-memory sink

		Server ServerConfig
		Exam   ExamConfig
		Notif  NotifConfig
	}
)

func NewConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Proctor")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "x#2b!dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy5=")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("staffEmail", "proctoring@localhost")
	v.SetDefault("databaseUrl", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.debugAddr", ":8001")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 4*time.Hour)

	v.SetDefault("exam.softViolationThreshold", 5)
	v.SetDefault("exam.warningCeiling", 3)
	v.SetDefault("exam.graceWindow", 30*time.Second)
	v.SetDefault("exam.heartbeatInterval", 15*time.Second)
	v.SetDefault("exam.heartbeatMissFactor", 3)

	v.SetDefault("notif.queueCapacity", 50)
	v.SetDefault("notif.queueTTL", 24*time.Hour)
	v.SetDefault("notif.pruneInterval", 10*time.Minute)

	env := os.Getenv("ENV") // DEV (local; default), TEST, QA, PROD
	if env == "" {
		env = "DEV"
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return &Config{
		Debug:            v.GetBool("debug"),
		TestMode:         env == "TEST",
		Env:              env,
		Build:            v.GetString("build"),
		AppName:          v.GetString("appName"),
		SecretKey:        v.GetString("secretKey"),
		DefaultFromEmail: v.GetString("defaultFromEmail"),
		StaffEmail:       v.GetString("staffEmail"),
		SendgridAPIKey:   v.GetString("sendgridApiKey"),
		RollbarToken:     v.GetString("rollbarToken"),
		DatabaseURL:      v.GetString("databaseUrl"),
		Server: ServerConfig{
			Host:               v.GetString("server.host"),
			Addr:               v.GetString("server.addr"),
			DebugAddr:          v.GetString("server.debugAddr"),
			ShutdownTimeout:    v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta: v.GetDuration("server.jwtExpirationDelta"),
		},
		Exam: ExamConfig{
			SoftViolationThreshold: v.GetInt("exam.softViolationThreshold"),
			WarningCeiling:         v.GetInt("exam.warningCeiling"),
			GraceWindow:            v.GetDuration("exam.graceWindow"),
			HeartbeatInterval:      v.GetDuration("exam.heartbeatInterval"),
			HeartbeatMissFactor:    v.GetInt("exam.heartbeatMissFactor"),
		},
		Notif: NotifConfig{
			QueueCapacity: v.GetInt("notif.queueCapacity"),
			QueueTTL:      v.GetDuration("notif.queueTTL"),
			PruneInterval: v.GetDuration("notif.pruneInterval"),
		},
	}
}

// FromEmailAddress returns the configured sender address.
func (c *Config) FromEmailAddress() mail.Address {
	return mail.Address{Name: c.AppName, Address: c.DefaultFromEmail}
}
