package config

import "flag"

// LoadServer resolves the server configuration from CLI arguments
// (without the program name). Flags override the file, the file
// overrides the environment.
func LoadServer(args []string) (*Server, error) {
	fs := flag.NewFlagSet("ops-server", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to TOML config file")
	host := fs.String("host", "", "bind address for both listeners")
	tcpPort := fs.Int("tcp-port", 0, "agent-facing TCP port")
	httpPort := fs.Int("http-port", 0, "operator HTTP port")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaultServer()
	if *configPath != "" {
		fc, err := parseFile(*configPath)
		if err != nil {
			return nil, err
		}
		cfg.applyFile(&fc.Server)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.TCPBindAddr = *host
			cfg.HTTPBindAddr = *host
		case "tcp-port":
			cfg.TCPPort = *tcpPort
		case "http-port":
			cfg.HTTPPort = *httpPort
		}
	})
	return cfg, nil
}

// LoadAgent resolves the agent configuration from CLI arguments.
func LoadAgent(args []string) (*Agent, error) {
	fs := flag.NewFlagSet("ops-agent", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to TOML config file")
	host := fs.String("host", "", "server host")
	port := fs.Int("port", 0, "server TCP port")
	heartbeat := fs.Duration("heartbeat-interval", 0, "heartbeat cadence")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaultAgent()
	if *configPath != "" {
		fc, err := parseFile(*configPath)
		if err != nil {
			return nil, err
		}
		cfg.applyFile(&fc.Agent)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.ServerHost = *host
		case "port":
			cfg.ServerPort = *port
		case "heartbeat-interval":
			cfg.HeartbeatInterval = *heartbeat
		}
	})
	return cfg, nil
}
