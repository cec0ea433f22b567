package config

// RedactedConfig returns a copy of cfg with credentials replaced by "***".
// Use it whenever the active configuration is logged.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Server.APIKey)

	out.Venues.Enabled = cloneStrings(cfg.Venues.Enabled)
	out.Rollover.Assets = cloneStrings(cfg.Rollover.Assets)
	out.Rollover.Timeframes = cloneStrings(cfg.Rollover.Timeframes)
	out.Aggregate.USDExchanges = cloneStrings(cfg.Aggregate.USDExchanges)
	out.Aggregate.USDTExchanges = cloneStrings(cfg.Aggregate.USDTExchanges)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Notify.Events = cloneStrings(cfg.Notify.Events)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
