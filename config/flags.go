package config

import (
	"flag"
	"strings"
)

type flags struct {
	configPath string
	envFiles   []string
}

func parseFlags() flags {
	config := flag.String("config", "", "path to yaml config")
	envFile := flag.String("env-file", "", "comma separated .env files, default .env")
	flag.Parse()

	f := flags{configPath: *config}
	for _, p := range strings.Split(*envFile, ",") {
		if p = strings.TrimSpace(p); p != "" {
			f.envFiles = append(f.envFiles, p)
		}
	}
	return f
}
