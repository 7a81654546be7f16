package protocol

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harun/vice/pkg/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConversationScenario walks one session from creation through a
// reconnect, a rejected upload and a file analysis.
func TestConversationScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, welcome, err := f.engine.CreateSession(ctx, "user_1")
	require.NoError(t, err)
	assert.Contains(t, welcome.Content, "AI Vice")

	ch1 := f.bind(t, sess.ID, "ch1")
	require.Equal(t, chat.EventConnected, ch1.Events()[0].Kind)

	_, err = f.engine.AcceptMessage(ctx, sess.ID, "user_1", "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ch1.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"user: hello", "ai: re: hello"}, ch1.messages())

	// Replies produced while unbound are queued and flushed exactly once.
	f.conns.Unbind(sess.ID, ch1.ID())
	_, err = f.engine.AcceptMessage(ctx, sess.ID, "user_1", "are you there")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := f.store.PendingCount(ctx, sess.ID)
		return err == nil && n == 4
	}, time.Second, 5*time.Millisecond)

	ch2 := f.bind(t, sess.ID, "ch2")
	assert.Equal(t, []string{"user: are you there", "ai: re: are you there"}, ch2.messages())
	assert.Equal(t, []bool{true, false}, ch2.typing())

	ch3 := f.bind(t, sess.ID, "ch3")
	assert.Empty(t, ch3.messages())

	// Declared size over the limit is rejected before storage.
	_, err = f.engine.AcceptFileUpload(ctx, sess.ID, "user_1", strings.NewReader("ignored"),
		UploadMeta{Name: "huge.pdf", Size: 10 * 1024 * 1024})
	assert.True(t, errors.Is(err, chat.ErrFileTooLarge))

	upload, err := f.engine.AcceptFileUpload(ctx, sess.ID, "user_1", strings.NewReader("quarterly numbers"),
		UploadMeta{Name: "report.txt", Size: 17})
	require.NoError(t, err)

	analysis, err := f.engine.RequestFileAnalysis(ctx, sess.ID, *upload.FileRef)
	require.NoError(t, err)
	assert.Equal(t, chat.AnalysisPending, analysis.Status)

	require.Eventually(t, func() bool {
		a, ok := f.engine.Analysis(analysis.ID)
		return ok && a.Status == chat.AnalysisCompleted
	}, time.Second, 5*time.Millisecond)

	a, _ := f.engine.Analysis(analysis.ID)
	require.NotEmpty(t, a.MessageID)
	assert.NotNil(t, a.ResolvedAt)

	var analyses []chat.Message
	msgs, err := f.log.ListSince(ctx, sess.ID, "", 0)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.Sender == chat.SenderAI && strings.HasPrefix(m.Content, "analysis of report.txt") {
			analyses = append(analyses, m)
		}
	}
	require.Len(t, analyses, 1)
	assert.Equal(t, a.MessageID, analyses[0].ID)
	assert.Equal(t, "analysis of report.txt: quarterly numbers", analyses[0].Content)

	// The first message in the log is the welcome, and ids follow append order.
	assert.Equal(t, welcome.ID, msgs[0].ID)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i-1].Before(msgs[i]))
	}
}
