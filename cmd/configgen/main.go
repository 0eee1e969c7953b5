package main

import (
	"flag"
	"log"

	"github.com/danmuck/hermod/internal/config"
)

const defaultConfigPath = "cmd/hermodctl/config.toml"

func main() {
	kind := flag.String("kind", "gateway", "config kind: gateway")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultConfigPath
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		if err := config.Validate(cfg); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultConfigPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
