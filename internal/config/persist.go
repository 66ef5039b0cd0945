package config

import "github.com/cragr/frappe-ticket-agent/internal/store"

// StateFilePath resolves the state file before the rest of the
// configuration is loaded: override, then STATE_FILE, then DefaultState.
func StateFilePath(override string) string {
	if override != "" {
		return override
	}
	return getEnvOrDefault("STATE_FILE", DefaultState)
}

// Restore returns the connection settings last saved under store.KeyConfig,
// with agent settings and secrets that are never persisted taken from the
// defaults. A missing, undecodable or invalid entry yields Default() and
// false.
func Restore(st store.Store) (*Config, bool) {
	var saved Config
	if !store.GetObject(st, store.KeyConfig, &saved) {
		return Default(), false
	}
	if saved.Validate() != nil {
		return Default(), false
	}

	def := Default()
	saved.Password = ""
	saved.CSRFToken = ""
	saved.HTTPPort = def.HTTPPort
	saved.StateFile = def.StateFile
	saved.DefaultPriority = def.DefaultPriority
	saved.DefaultTicketType = def.DefaultTicketType
	if len(saved.Fields) == 0 {
		saved.Fields = def.Fields
	}
	if saved.Endpoint == "" {
		saved.Endpoint = ResourcePath(saved.DocType)
	}

	return &saved, true
}

// Save persists the connection settings of c under store.KeyConfig.
func Save(st store.Store, c *Config) error {
	return store.SetObject(st, store.KeyConfig, c)
}
