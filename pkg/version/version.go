package version

// Build variables injected via ldflags:
// -X 'github.com/evanfang0054/knowledge-base-mcp/pkg/version.Version=1.0.0'
var (
	Version    = "1.0.0"
	CommitHash = "unknown"
	BuildDate  = "unknown"
)

// Name is the server name advertised during the MCP handshake.
const Name = "knowledge-base-mcp"

type Info struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildDate  string `json:"build_date"`
}

func Get() Info {
	return Info{
		Name:       Name,
		Version:    Version,
		CommitHash: CommitHash,
		BuildDate:  BuildDate,
	}
}
