package schema

// Host is a pi server host name or address without a port.
type Host string

// Token is the one-time session token handed to the server before the
// command socket is authorized.
type Token string

// SessionSeq numbers connect attempts within one manager.
type SessionSeq uint64

// Fixed endpoints of the pi server.
const (
	DefaultSSHUser     = "pi-client-user"
	DefaultSSHPort     = 34600
	DefaultMonitorPort = 34601
	DefaultCommandPort = 34602
	DefaultTokenPath   = "/tmp/pi-server-token"
	// TokenFileName is the local scratch file the token is written to before transfer.
	TokenFileName = "pi-server-token"
	// SubImagesPerFrame is the number of sub-images stacked into one composite frame.
	SubImagesPerFrame = 4
)

// TransferRequest describes one token upload to the pi server.
type TransferRequest struct {
	Host       Host
	Password   string
	LocalPath  string
	RemotePath string
}
