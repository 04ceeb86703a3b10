package mqtt

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"

	"github.com/cyberglitchlabs/owon-xdm-remote/common"
)

// Config holds the MQTT client settings.
type Config struct {
	Broker            string        `yaml:"broker"`             // broker address, e.g. "tcp://localhost:1883"
	Username          string        `yaml:"username"`           // optional
	Password          string        `yaml:"password"`           // optional
	ClientID          string        `yaml:"client_id"`          // generated when empty
	BaseTopic         string        `yaml:"base_topic"`         // prefix for every topic, e.g. "xdm1041"
	QoS               byte          `yaml:"qos"`                // quality of service (0, 1, 2)
	KeepAlive         int           `yaml:"keep_alive"`         // keep alive interval in seconds
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`    // broker connect timeout
	AutoReconnect     bool          `yaml:"auto_reconnect"`     // reconnect automatically after a lost connection
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // bridge liveness beacon period, 0 disables
}

// generateClientID returns a random client identifier.
func generateClientID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return "owon-xdm-remote-" + hex.EncodeToString(bytes)
}

// DefaultConfig returns the client configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Broker:            "tcp://localhost:1883",
		ClientID:          generateClientID(),
		BaseTopic:         "xdm1041",
		QoS:               1,
		KeepAlive:         60,
		ConnectTimeout:    10 * time.Second,
		AutoReconnect:     true,
		HeartbeatInterval: 60 * time.Second,
	}
}

// Client bridges the instrument session to an MQTT broker. Readings and
// state updates are published under the base topic:
//
//	<base>/value      measurement JSON
//	<base>/function   current measurement function, plain text
//	<base>/idn        identification string, retained
//	<base>/model      detected device model, retained
//	<base>/status     online/offline availability, retained
//	<base>/resp       unrecognized instrument lines, plain text
//	<base>/heartbeat  periodic "alive" beacon
//
// Remote actions arrive on <base>/cmd, either as a CommandMessage JSON
// document or as a plain text SCPI command.
type Client struct {
	config       Config
	mqttClient   mqttLib.Client
	readingsChan <-chan common.Reading        // measurements from the session
	statesChan   <-chan common.StateUpdate    // text states from the session
	actionsChan  chan<- common.CommandMessage // actions to the session
	stopChan     chan struct{}
	wg           sync.WaitGroup
	logger       *log.Logger
}

// NewClient creates an MQTT client. Nothing connects until Start.
func NewClient(config Config, readingsChan <-chan common.Reading,
	statesChan <-chan common.StateUpdate, actionsChan chan<- common.CommandMessage) *Client {

	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.BaseTopic == "" {
		config.BaseTopic = DefaultConfig().BaseTopic
	}

	return &Client{
		config:       config,
		readingsChan: readingsChan,
		statesChan:   statesChan,
		actionsChan:  actionsChan,
		stopChan:     make(chan struct{}),
		logger:       log.New(os.Stdout, "[MQTT-Client] ", log.LstdFlags|log.Lshortfile),
	}
}

func (c *Client) topic(suffix string) string {
	return c.config.BaseTopic + "/" + suffix
}

// Start connects to the broker and launches the publish loops.
func (c *Client) Start() error {
	c.logger.Printf("Starting MQTT client, broker: %s", c.config.Broker)

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)

	// The broker flips the instrument to offline if the bridge dies.
	opts.SetWill(c.topic("status"), common.StatusOffline, c.config.QoS, true)

	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.logger.Println("MQTT authentication: ENABLED")
	} else {
		c.logger.Println("MQTT authentication: DISABLED (anonymous mode)")
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	c.mqttClient = mqttLib.NewClient(opts)

	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}

	// Publish loops run once for the client's lifetime; the connect handler
	// only re-subscribes, so broker reconnects cannot double them up.
	c.wg.Add(1)
	go c.publishReadingsLoop()

	c.wg.Add(1)
	go c.publishStatesLoop()

	if c.config.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}

	c.logger.Println("MQTT client started successfully")
	return nil
}

// Stop publishes a final offline status and disconnects from the broker.
func (c *Client) Stop() error {
	c.logger.Println("Stopping MQTT client...")

	close(c.stopChan)
	c.wg.Wait()

	if c.mqttClient != nil && c.mqttClient.IsConnected() {
		token := c.mqttClient.Publish(c.topic("status"), c.config.QoS, true, common.StatusOffline)
		token.Wait()

		c.mqttClient.Disconnect(1000)
		c.logger.Println("MQTT client disconnected")
	}

	return nil
}

// onConnectHandler runs on every successful (re)connect.
func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Println("Connected to MQTT broker")

	commandTopic := c.topic("cmd")
	if token := client.Subscribe(commandTopic, c.config.QoS, c.onCommandReceived); token.Wait() && token.Error() != nil {
		c.logger.Printf("Failed to subscribe to command topic %s: %v", commandTopic, token.Error())
		return
	}
	c.logger.Printf("Subscribed to command topic: %s", commandTopic)
}

func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	c.logger.Printf("Connection lost: %v", err)
}

func (c *Client) onReconnectingHandler(client mqttLib.Client, opts *mqttLib.ClientOptions) {
	c.logger.Println("Attempting to reconnect to MQTT broker...")
}

// onCommandReceived turns an inbound message into a session action. JSON
// payloads carry structured actions; anything else is treated as a raw SCPI
// command, which keeps one-line tinkering from a broker console possible.
func (c *Client) onCommandReceived(client mqttLib.Client, msg mqttLib.Message) {
	c.logger.Printf("Received command on topic: %s", msg.Topic())

	payload := msg.Payload()
	var cmd common.CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Action == "" {
		text := strings.TrimSpace(string(payload))
		if text == "" || strings.HasPrefix(text, "{") {
			c.logger.Printf("Ignoring unusable command payload: %q", text)
			return
		}
		cmd = common.CommandMessage{Action: common.ActionCommand, Value: text}
	}

	c.logger.Printf("Forwarding action %q (correlation_id: %s)", cmd.Action, cmd.CorrelationID)

	select {
	case c.actionsChan <- cmd:
	case <-time.After(5 * time.Second):
		c.logger.Printf("Timeout forwarding action %q to the session", cmd.Action)
	}
}

// publishReadingsLoop publishes measurements as they arrive.
func (c *Client) publishReadingsLoop() {
	defer c.wg.Done()
	c.logger.Println("Starting readings publish loop")

	for {
		select {
		case <-c.stopChan:
			c.logger.Println("Readings publish loop stopped")
			return
		case reading, ok := <-c.readingsChan:
			if !ok {
				c.logger.Println("Readings channel closed")
				return
			}

			if err := c.publishReading(reading); err != nil {
				c.logger.Printf("Failed to publish reading: %v", err)
			}
		}
	}
}

// publishStatesLoop publishes function, identification, model, status and
// diagnostic updates as they arrive.
func (c *Client) publishStatesLoop() {
	defer c.wg.Done()
	c.logger.Println("Starting states publish loop")

	for {
		select {
		case <-c.stopChan:
			c.logger.Println("States publish loop stopped")
			return
		case update, ok := <-c.statesChan:
			if !ok {
				c.logger.Println("States channel closed")
				return
			}

			if err := c.publishState(update); err != nil {
				c.logger.Printf("Failed to publish state: %v", err)
			}
		}
	}
}

// heartbeatLoop tells observers the bridge itself is alive, independent of
// whether the instrument answers. The first beat goes out before the ticker
// starts pacing.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	c.logger.Println("Starting heartbeat loop")

	c.publishHeartbeat()

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			c.logger.Println("Heartbeat loop stopped")
			return
		case <-ticker.C:
			c.publishHeartbeat()
		}
	}
}

// publishHeartbeat sends one "alive" beacon, skipped while disconnected.
func (c *Client) publishHeartbeat() {
	if c.mqttClient == nil || !c.mqttClient.IsConnected() {
		return
	}
	token := c.mqttClient.Publish(c.topic("heartbeat"), c.config.QoS, false, "alive")
	token.Wait()
	if token.Error() != nil {
		c.logger.Printf("Failed to publish heartbeat: %v", token.Error())
	}
}

// publishReading publishes one measurement as JSON.
func (c *Client) publishReading(reading common.Reading) error {
	if c.mqttClient == nil || !c.mqttClient.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %v", err)
	}

	topic := c.topic("value")
	token := c.mqttClient.Publish(topic, c.config.QoS, false, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %v", topic, token.Error())
	}

	c.logger.Printf("Published reading to %s: %g %s", topic, reading.Value, reading.Unit)
	return nil
}

// publishState publishes one text state to its topic. Identification and
// availability are retained so late subscribers see the current state.
func (c *Client) publishState(update common.StateUpdate) error {
	if c.mqttClient == nil || !c.mqttClient.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	var topic string
	retained := false
	switch update.Kind {
	case common.StateFunction:
		topic = c.topic("function")
	case common.StateIdentification:
		topic = c.topic("idn")
		retained = true
	case common.StateModel:
		topic = c.topic("model")
		retained = true
	case common.StateStatus:
		topic = c.topic("status")
		retained = true
	case common.StateDiagnostic:
		topic = c.topic("resp")
	default:
		return fmt.Errorf("unknown state kind %q", update.Kind)
	}

	token := c.mqttClient.Publish(topic, c.config.QoS, retained, []byte(update.Text))
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %v", topic, token.Error())
	}

	c.logger.Printf("Published %s to %s: %q", update.Kind, topic, update.Text)
	return nil
}

// IsConnected reports whether the client is connected to the broker.
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}
