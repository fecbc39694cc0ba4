// Package pgparams resolves Postgres connection parameters the way libpq
// does: an explicit connection string is merged with a named service block
// from a pg_service.conf file and with the PG* environment variables, and
// passwords may be looked up in a passfile.
//
// The result is a Descriptor — the fully resolved parameter set a listener
// session connects with. Two descriptors that agree on hosts, database and
// user are considered to address the same backend session; the listener pool
// uses that equality for deduplication.
package pgparams

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SSLMode selects how TLS is negotiated with the server.
type SSLMode string

// ChannelBinding selects the SCRAM channel-binding policy.
type ChannelBinding string

const (
	SSLDisable SSLMode = "disable"
	SSLPrefer  SSLMode = "prefer"
	SSLRequire SSLMode = "require"

	ChannelBindingDisable ChannelBinding = "disable"
	ChannelBindingPrefer  ChannelBinding = "prefer"
	ChannelBindingRequire ChannelBinding = "require"
)

// defaultPort is the standard Postgres port, used when no port is resolved.
const defaultPort = 5432

// Resolution errors. Invalid-value errors wrap one of these sentinels so
// callers can classify them with errors.Is.
var (
	ErrServiceFileNotFound   = errors.New("pg service file not found")
	ErrMissingServiceName    = errors.New("missing service name in connection string")
	ErrInvalidPassfileMode   = errors.New("passfile must have permission mode 0600")
	ErrInvalidSSLMode        = errors.New("invalid sslmode, expecting 'disable', 'prefer' or 'require'")
	ErrInvalidPort           = errors.New("invalid port, expecting integer")
	ErrInvalidConnectTimeout = errors.New("invalid connect_timeout, expecting number of seconds")
	ErrInvalidKeepalives     = errors.New("invalid keepalives, expecting '1' or '0'")
	ErrInvalidKeepalivesIdle = errors.New("invalid keepalives_idle, expecting number of seconds")
	ErrInvalidChannelBinding = errors.New("invalid channel_binding, expecting 'disable', 'prefer' or 'require'")
)

// ServiceNotFoundError reports that a named service block was not present in
// any of the searched service files.
type ServiceNotFoundError struct {
	Name string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("definition of service %q not found", e.Name)
}

// Descriptor is a resolved set of Postgres connection parameters.
//
// Hosts and Ports are parallel ordered lists: a host entry starting with
// "/" is a Unix socket directory, anything else a TCP host. A single port
// entry applies to every host.
type Descriptor struct {
	Hosts           []string
	Ports           []uint16
	Database        string
	User            string
	Password        string
	Options         string
	ApplicationName string
	ConnectTimeout  time.Duration
	SSLMode         SSLMode
	ChannelBinding  ChannelBinding
	Keepalives      *bool
	KeepalivesIdle  time.Duration
}

// Key returns the deduplication key for this descriptor. Two descriptors
// with the same key target the same database through the same hosts as the
// same user and may share one listener session.
func (d *Descriptor) Key() string {
	return strings.Join(d.Hosts, ",") + "|" + d.Database + "|" + d.User
}

// portOrDefault returns the port paired with host index i.
func (d *Descriptor) portOrDefault(i int) uint16 {
	switch {
	case len(d.Ports) == 0:
		return defaultPort
	case i < len(d.Ports):
		return d.Ports[i]
	default:
		return d.Ports[0]
	}
}

// TLSFiles holds the optional TLS material used for Postgres connections.
// CAFile is a PEM bundle of trusted roots; the client pair enables mutual
// TLS. Both client files must be given together.
type TLSFiles struct {
	CAFile         string `mapstructure:"tls_ca_file" toml:"tls_ca_file"`
	ClientCertFile string `mapstructure:"tls_client_auth_cert" toml:"tls_client_auth_cert"`
	ClientKeyFile  string `mapstructure:"tls_client_auth_key" toml:"tls_client_auth_key"`
}

// Validate checks that the client certificate and key are either both set
// or both absent.
func (t *TLSFiles) Validate() error {
	if (t.ClientCertFile == "") != (t.ClientKeyFile == "") {
		return errors.New("postgres tls: client auth requires both tls_client_auth_cert and tls_client_auth_key")
	}
	return nil
}

// DSN renders the descriptor as a keyword/value connection string suitable
// for pgx. TLS material, when given, is passed through the standard
// sslrootcert/sslcert/sslkey parameters so that pgconn loads it.
//
// Keepalive settings are not part of the wire DSN; the listener applies
// them on its network dialer.
func (d *Descriptor) DSN(tls *TLSFiles) string {
	var b strings.Builder

	add := func(k, v string) {
		if v == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quoteDSNValue(v))
	}

	if len(d.Hosts) > 0 {
		add("host", strings.Join(d.Hosts, ","))
	}
	if len(d.Ports) > 0 {
		ports := make([]string, len(d.Ports))
		for i, p := range d.Ports {
			ports[i] = strconv.Itoa(int(p))
		}
		add("port", strings.Join(ports, ","))
	}
	add("dbname", d.Database)
	add("user", d.User)
	add("password", d.Password)
	add("options", d.Options)
	add("application_name", d.ApplicationName)
	if d.ConnectTimeout > 0 {
		add("connect_timeout", strconv.Itoa(int(d.ConnectTimeout/time.Second)))
	}
	add("sslmode", string(d.SSLMode))
	if tls != nil {
		add("sslrootcert", tls.CAFile)
		add("sslcert", tls.ClientCertFile)
		add("sslkey", tls.ClientKeyFile)
	}
	return b.String()
}

// quoteDSNValue quotes a DSN value when it contains whitespace, quotes or
// backslashes, following libpq quoting rules.
func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, " \t\n\r'\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func parseSSLMode(v string) (SSLMode, error) {
	switch SSLMode(v) {
	case SSLDisable, SSLPrefer, SSLRequire:
		return SSLMode(v), nil
	default:
		return "", fmt.Errorf("%w: found %q", ErrInvalidSSLMode, v)
	}
}

func parseChannelBinding(v string) (ChannelBinding, error) {
	switch ChannelBinding(v) {
	case ChannelBindingDisable, ChannelBindingPrefer, ChannelBindingRequire:
		return ChannelBinding(v), nil
	default:
		return "", fmt.Errorf("%w: found %q", ErrInvalidChannelBinding, v)
	}
}
