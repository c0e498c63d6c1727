// Package config holds the configuration file format for the
// kommunikationszentrum gate.
package config

// Static is the parsed form of the kz.conf configuration file. It is read
// once at startup and not reloaded.
type Static struct {
	DataDir            string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the gate database is stored. If this is a relative path, it is relative to the directory of kz.conf."`
	LogLevel           string            `sconf-doc:"Default log level, one of: error, info, debug."`
	PackageLogLevels   map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. policy, gatedb, hookserver, webapi)."`
	OperatorIdentity   string            `sconf-doc:"Hex identity of the operator. Seeded into the admin registry at first startup, and always treated as admin. This takes the place of the module identity of the managed deployment."`
	HookListener       string            `sconf-doc:"Address to serve the MTA hook endpoint on, e.g. 127.0.0.1:3002. The MTA posts a hook request here for each SMTP stage."`
	AdminListener      string            `sconf-doc:"Address to serve the admin JSON API on, e.g. 127.0.0.1:3003. Should only be reachable through the authenticating gateway that sets the caller identity header."`
	MetricsListener    string            `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on, e.g. 127.0.0.1:8010. Disabled if empty."`
	AdminOnlyMutations bool              `sconf:"optional" sconf-doc:"If set, adding subscriptions and blocking IPs also requires an admin caller, like adding message categories. By default those calls are open to any caller, matching the historical behaviour of member self-service."`
	OIDC               struct {
		BaseURL    string `sconf-doc:"Base URL of the identity provider, e.g. http://127.0.0.1:8000."`
		IssuerPath string `sconf:"optional" sconf-doc:"Path of the OAuth issuer under the base URL. Default: /o."`
	} `sconf-doc:"Identity provider whose issuer URL account identities are derived from. Accounts synchronized with an explicit identity override do not use this."`
}

// Issuer returns the full issuer URL used for deriving account identities.
func (s Static) Issuer() string {
	path := s.OIDC.IssuerPath
	if path == "" {
		path = "/o"
	}
	return s.OIDC.BaseURL + path
}
