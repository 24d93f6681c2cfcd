package account

import (
	"context"

	"github.com/google/uuid"
)

// TabHistoryEntry is one entry of a sent tab. The receiving device shows the
// last entry and may offer the rest as history.
type TabHistoryEntry struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// SendTabPayload is the plaintext of a send-tab command. The flow and
// stream ids tie the send and receive ends together in telemetry.
type SendTabPayload struct {
	Entries  []TabHistoryEntry `json:"entries"`
	FlowID   string            `json:"flowID"`
	StreamID string            `json:"streamID"`
}

// SendSingleTab sends one tab to the target device, which must advertise the
// send-tab capability.
func (a *Account) SendSingleTab(ctx context.Context, targetID, title, url string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	target, err := a.findDevice(ctx, targetID)
	if err != nil {
		return err
	}
	payload := SendTabPayload{
		Entries:  []TabHistoryEntry{{Title: title, URL: url}},
		FlowID:   uuid.NewString(),
		StreamID: uuid.NewString(),
	}
	return a.invokeCommand(ctx, target, CommandSendTab, payload)
}
