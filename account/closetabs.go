package account

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
)

// commandMaxPayloadSize is the server's hard limit on an invoke_command
// payload.
const commandMaxPayloadSize = 16 * 1024

// closeTabsChunkLimit is the plaintext budget per close-tabs chunk: the
// payload limit brought back under the base64 inflation of the JWE, minus
// headroom for the JWE header, IV and tag.
const closeTabsChunkLimit = (commandMaxPayloadSize - 512) / 4 * 3

// CloseTabsPayload is the plaintext of a close-tabs command.
type CloseTabsPayload struct {
	URLs []string `json:"urls"`
}

// CloseTabs asks the target device to close the given URLs. URLs that could
// not be delivered, either because they do not fit in any chunk or because a
// chunk failed to send, are returned for the caller to retry.
func (a *Account) CloseTabs(ctx context.Context, targetID string, urls []string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	target, err := a.findDevice(ctx, targetID)
	if err != nil {
		return urls, err
	}

	chunks, notClosed := chunkCloseTabsURLs(urls)
	for i, chunk := range chunks {
		if err := a.checkInterrupt(); err != nil {
			for _, c := range chunks[i:] {
				notClosed = append(notClosed, c...)
			}
			return notClosed, err
		}
		if err := a.invokeCommand(ctx, target, CommandCloseTabs, CloseTabsPayload{URLs: chunk}); err != nil {
			log.Warn().Err(err).Int("urls", len(chunk)).Msg("account: close-tabs chunk failed")
			notClosed = append(notClosed, chunk...)
		}
	}
	return notClosed, nil
}

// chunkCloseTabsURLs packs URLs into payload-sized chunks. Sorting by length
// first keeps the packing near optimal; a URL that cannot fit even alone is
// returned as undeliverable.
func chunkCloseTabsURLs(urls []string) (chunks [][]string, oversize []string) {
	sorted := append([]string{}, urls...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) < len(sorted[j]) })

	var chunk []string
	size := 0
	for _, u := range sorted {
		// Each URL costs its own bytes plus quotes and a separator.
		cost := len(u) + 3
		if cost > closeTabsChunkLimit {
			oversize = append(oversize, u)
			continue
		}
		if size+cost > closeTabsChunkLimit {
			chunks = append(chunks, chunk)
			chunk = nil
			size = 0
		}
		chunk = append(chunk, u)
		size += cost
	}
	if len(chunk) > 0 {
		chunks = append(chunks, chunk)
	}
	return chunks, oversize
}
