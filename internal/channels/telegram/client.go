package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// BotClient is the subset of *bot.Bot the channel uses.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
	FileDownloadLink(file *models.File) string
}

var _ BotClient = (*bot.Bot)(nil)

// FileFetcher downloads a Telegram file by ID.
type FileFetcher interface {
	Fetch(ctx context.Context, fileID string) ([]byte, error)
}

// maxFileBytes matches the Bot API download limit
const maxFileBytes = 20 << 20

// botFileFetcher resolves the file path through the Bot API and downloads it.
type botFileFetcher struct {
	client BotClient
	http   *http.Client
}

// NewFileFetcher creates a fetcher downloading through client.
func NewFileFetcher(client BotClient) FileFetcher {
	return &botFileFetcher{
		client: client,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *botFileFetcher) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	file, err := f.client.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.client.FileDownloadLink(file), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file %s: status %d", fileID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", fileID, err)
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("file %s exceeds %d bytes", fileID, maxFileBytes)
	}
	return data, nil
}
