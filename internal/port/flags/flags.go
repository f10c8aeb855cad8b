package flags

import "context"

const (
	RevalidateWhitelisted = "revalidate_whitelisted"
	LogStreaming          = "log_streaming"
	CDNDownloads          = "cdn_downloads"
)

type Flags interface {
	Enabled(ctx context.Context, accountID, flag string) bool
}
