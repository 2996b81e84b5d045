// Package config loads broker settings from a Cloud Foundry service binding
// or, outside Cloud Foundry, from DEV_* environment variables.
package config

import (
	"os"

	"github.com/cloudfoundry-community/go-cfenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"github.com/r-franke/amqptls"
	_ "github.com/r-franke/amqptls/gotls"
	_ "github.com/r-franke/amqptls/openssl"
)

// ServiceLabel is the label of the RabbitMQ service binding in Cloud Foundry.
const ServiceLabel = "p.rabbitmq"

// DevAppName is the application name used outside Cloud Foundry.
const DevAppName = "dev-instance"

type Settings struct {
	URI     string
	AppName string
	DevMode bool

	// Engine is the registered TLS engine used for amqps URIs.
	Engine string
	TLS    amqptls.TLSConfig

	BasicQos BasicQosSettings
}

type BasicQosSettings struct {
	PrefetchSize  int
	PrefetchCount int
	Global        bool
}

// devEnv holds the variables read outside Cloud Foundry.
type devEnv struct {
	URI        string `envconfig:"DEV_RMQ_URL" required:"true"`
	ServerName string `envconfig:"DEV_SERVER_NAME"`
	Insecure   bool   `envconfig:"DEV_TLS_INSECURE" default:"true"`
}

// tlsEnv holds the TLS variables read in both modes.
type tlsEnv struct {
	Engine   string `envconfig:"AMQPTLS_ENGINE" default:"go"`
	CAFile   string `envconfig:"AMQPTLS_CA_FILE"`
	CAPath   string `envconfig:"AMQPTLS_CA_PATH"`
	CertFile string `envconfig:"AMQPTLS_CERT_FILE"`
	KeyFile  string `envconfig:"AMQPTLS_KEY_FILE"`
}

func defaultBasicQos() BasicQosSettings {
	return BasicQosSettings{
		PrefetchSize:  0,
		PrefetchCount: 25,
		Global:        false,
	}
}

// Load reads the settings for the current environment.
func Load() (*Settings, error) {
	_, runningInCF := os.LookupEnv("VCAP_SERVICES")
	if runningInCF {
		return loadCFEnvironment()
	}
	return loadDevEnvironment()
}

func loadCFEnvironment() (*Settings, error) {
	appEnv, err := cfenv.Current()
	if err != nil {
		return nil, errors.Wrap(err, "cannot load system variables from cloud foundry")
	}

	s, err := fromServices(appEnv.Services)
	if err != nil {
		return nil, err
	}
	s.AppName = appEnv.Name
	return s, nil
}

// fromServices picks the first RabbitMQ binding.
func fromServices(services cfenv.Services) (*Settings, error) {
	rabbitVars, err := services.WithLabel(ServiceLabel)
	if err != nil || len(rabbitVars) == 0 {
		return nil, errors.Errorf("no %s service bound", ServiceLabel)
	}

	uri, _ := rabbitVars[0].Credentials["uri"].(string)
	if uri == "" {
		return nil, errors.Errorf("%s binding %q has no uri credential", ServiceLabel, rabbitVars[0].Name)
	}

	tlsVars, err := loadTLSEnv()
	if err != nil {
		return nil, err
	}

	return &Settings{
		URI:      uri,
		Engine:   tlsVars.Engine,
		TLS:      tlsVars.config(),
		BasicQos: defaultBasicQos(),
	}, nil
}

func loadDevEnvironment() (*Settings, error) {
	var dev devEnv
	if err := envconfig.Process("", &dev); err != nil {
		return nil, errors.Wrap(err, "cannot load dev mode environment")
	}

	tlsVars, err := loadTLSEnv()
	if err != nil {
		return nil, err
	}

	// Local brokers usually present certificates for another host name.
	tlsConfig := tlsVars.config()
	tlsConfig.ServerName = dev.ServerName
	tlsConfig.InsecureSkipVerify = dev.Insecure

	return &Settings{
		URI:      dev.URI,
		AppName:  DevAppName,
		DevMode:  true,
		Engine:   tlsVars.Engine,
		TLS:      tlsConfig,
		BasicQos: defaultBasicQos(),
	}, nil
}

func loadTLSEnv() (tlsEnv, error) {
	var env tlsEnv
	if err := envconfig.Process("", &env); err != nil {
		return tlsEnv{}, errors.Wrap(err, "cannot load TLS environment")
	}
	return env, nil
}

func (e tlsEnv) config() amqptls.TLSConfig {
	return amqptls.TLSConfig{
		CAFile:   e.CAFile,
		CAPath:   e.CAPath,
		CertFile: e.CertFile,
		KeyFile:  e.KeyFile,
	}
}

// NewEngine builds the configured TLS engine.
func (s *Settings) NewEngine() (amqptls.Engine, error) {
	return amqptls.NewEngine(s.Engine, s.TLS)
}
