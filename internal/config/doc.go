// Package config loads the messaging configuration from environment variables.
//
// Every setting has a default except CONSUMER_MAX_REDELIVERIES, which a
// consumer refuses to start without:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.ValidateConsumer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Validate reports every invalid setting in a single joined error.
package config
