package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/cyberglitchlabs/owon-xdm-remote/common"
	"github.com/cyberglitchlabs/owon-xdm-remote/dmm"
	"github.com/cyberglitchlabs/owon-xdm-remote/mqtt"
	"github.com/cyberglitchlabs/owon-xdm-remote/uart"
)

var logger = log.New(os.Stdout, "[XDM-Remote] ", log.LstdFlags|log.Lshortfile)

type Config struct {
	Serial struct {
		Port              string        `mapstructure:"port"`
		BaudRate          int           `mapstructure:"baud_rate"`
		ReadTimeout       time.Duration `mapstructure:"read_timeout"`
		ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	} `mapstructure:"serial"`
	Instrument struct {
		Model                   string        `mapstructure:"model"`
		PollInterval            time.Duration `mapstructure:"poll_interval"`
		SkipAfterFunctionChange bool          `mapstructure:"skip_after_function_change"`
		SilentPollLimit         int           `mapstructure:"silent_poll_limit"`
		DedupWindow             time.Duration `mapstructure:"dedup_window"`
		ExtraInitCommands       []string      `mapstructure:"extra_init_commands"`
		TrackPending            bool          `mapstructure:"track_pending"`
		PendingLimit            int           `mapstructure:"pending_limit"`
		PendingTTL              time.Duration `mapstructure:"pending_ttl"`
	} `mapstructure:"instrument"`
	MQTT struct {
		Broker            string        `mapstructure:"broker"`
		Username          string        `mapstructure:"username"`
		Password          string        `mapstructure:"password"`
		ClientID          string        `mapstructure:"client_id"`
		BaseTopic         string        `mapstructure:"base_topic"`
		QoS               byte          `mapstructure:"qos"`
		KeepAlive         int           `mapstructure:"keep_alive"`
		ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
		AutoReconnect     bool          `mapstructure:"auto_reconnect"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	} `mapstructure:"mqtt"`
}

var config Config

// setDefaults seeds viper with each component's defaults so a missing or
// partial config file still yields a runnable bridge.
func setDefaults() {
	serialDefaults := uart.DefaultConfig()
	viper.SetDefault("serial.port", serialDefaults.Port)
	viper.SetDefault("serial.baud_rate", serialDefaults.BaudRate)
	viper.SetDefault("serial.read_timeout", serialDefaults.ReadTimeout)
	viper.SetDefault("serial.reconnect_interval", serialDefaults.ReconnectInterval)

	instrumentDefaults := dmm.DefaultConfig()
	viper.SetDefault("instrument.model", instrumentDefaults.Model)
	viper.SetDefault("instrument.poll_interval", instrumentDefaults.PollInterval)
	viper.SetDefault("instrument.skip_after_function_change", instrumentDefaults.SkipAfterFunctionChange)
	viper.SetDefault("instrument.silent_poll_limit", instrumentDefaults.SilentPollLimit)
	viper.SetDefault("instrument.dedup_window", instrumentDefaults.DedupWindow)
	viper.SetDefault("instrument.track_pending", instrumentDefaults.TrackPending)
	viper.SetDefault("instrument.pending_limit", instrumentDefaults.PendingLimit)
	viper.SetDefault("instrument.pending_ttl", instrumentDefaults.PendingTTL)

	mqttDefaults := mqtt.DefaultConfig()
	viper.SetDefault("mqtt.broker", mqttDefaults.Broker)
	viper.SetDefault("mqtt.base_topic", mqttDefaults.BaseTopic)
	viper.SetDefault("mqtt.qos", int(mqttDefaults.QoS))
	viper.SetDefault("mqtt.keep_alive", mqttDefaults.KeepAlive)
	viper.SetDefault("mqtt.connect_timeout", mqttDefaults.ConnectTimeout)
	viper.SetDefault("mqtt.auto_reconnect", mqttDefaults.AutoReconnect)
	viper.SetDefault("mqtt.heartbeat_interval", mqttDefaults.HeartbeatInterval)
}

func loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/owon-xdm-remote/")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %v", err)
		}
		logger.Println("No config file found, running on defaults")
	} else {
		logger.Printf("Loaded config from %s", viper.ConfigFileUsed())
	}

	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("error unmarshaling config: %v", err)
	}

	return nil
}

func serialConfig() uart.Config {
	cfg := uart.DefaultConfig()
	cfg.Port = config.Serial.Port
	cfg.BaudRate = config.Serial.BaudRate
	cfg.ReadTimeout = config.Serial.ReadTimeout
	cfg.ReconnectInterval = config.Serial.ReconnectInterval
	return cfg
}

func instrumentConfig() dmm.Config {
	cfg := dmm.DefaultConfig()
	cfg.Model = config.Instrument.Model
	cfg.PollInterval = config.Instrument.PollInterval
	cfg.SkipAfterFunctionChange = config.Instrument.SkipAfterFunctionChange
	cfg.SilentPollLimit = config.Instrument.SilentPollLimit
	cfg.DedupWindow = config.Instrument.DedupWindow
	cfg.ExtraInitCommands = config.Instrument.ExtraInitCommands
	cfg.TrackPending = config.Instrument.TrackPending
	cfg.PendingLimit = config.Instrument.PendingLimit
	cfg.PendingTTL = config.Instrument.PendingTTL
	return cfg
}

func mqttConfig() mqtt.Config {
	cfg := mqtt.DefaultConfig()
	cfg.Broker = config.MQTT.Broker
	cfg.Username = config.MQTT.Username
	cfg.Password = config.MQTT.Password
	cfg.ClientID = config.MQTT.ClientID
	cfg.BaseTopic = config.MQTT.BaseTopic
	cfg.QoS = config.MQTT.QoS
	cfg.KeepAlive = config.MQTT.KeepAlive
	cfg.ConnectTimeout = config.MQTT.ConnectTimeout
	cfg.AutoReconnect = config.MQTT.AutoReconnect
	cfg.HeartbeatInterval = config.MQTT.HeartbeatInterval
	return cfg
}

func main() {
	if err := loadConfig(); err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Channel plumbing: serial adapter <-> session <-> MQTT client.
	rxChan := make(chan []byte, 64)
	txChan := make(chan string, 32)
	readingsChan := make(chan common.Reading, 64)
	statesChan := make(chan common.StateUpdate, 32)
	actionsChan := make(chan common.CommandMessage, 16)

	serialAdapter := uart.NewAdapter(serialConfig(), rxChan, txChan)
	session := dmm.NewSession(instrumentConfig(), rxChan, txChan, readingsChan, statesChan, actionsChan)
	mqttClient := mqtt.NewClient(mqttConfig(), readingsChan, statesChan, actionsChan)

	if err := serialAdapter.Start(); err != nil {
		logger.Fatalf("Failed to start serial adapter: %v", err)
	}
	if err := mqttClient.Start(); err != nil {
		logger.Fatalf("Failed to start MQTT client: %v", err)
	}
	if err := session.Start(); err != nil {
		logger.Fatalf("Failed to start instrument session: %v", err)
	}

	logger.Println("OWON XDM remote bridge started. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Printf("Received signal %v, shutting down...", sig)

	// The session stops first so nothing keeps feeding the transports.
	if err := session.Stop(); err != nil {
		logger.Printf("Session stop error: %v", err)
	}
	if err := serialAdapter.Stop(); err != nil {
		logger.Printf("Serial adapter stop error: %v", err)
	}
	if err := mqttClient.Stop(); err != nil {
		logger.Printf("MQTT client stop error: %v", err)
	}

	logger.Println("Shutdown complete")
}
