// Package config loads and validates pitwall node configuration.
//
// A configuration is built in layers. Defaults come first, then each file
// added with AddLayer (JSON or YAML, merged key by key so a later file only
// needs the keys it changes), then PITWALL_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// Durations are written as strings ("50ms", "2m", "14d").
//
// Relative layer paths may not leave the working directory. Layers larger
// than 4MB and JSON nested deeper than 64 levels are rejected.
package config
