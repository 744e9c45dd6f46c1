package layout

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldorsen/mailreap/internal/model"
)

func TestRunDirName_BothBoundsSet(t *testing.T) {
	// Arrange
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	// Act
	name := RunDirName("alice@example.com", "example.com", &start, &end)

	// Assert
	assert.Equal(t, "alice_example.com_20240101_20240630", name)
}

func TestRunDirName_NoBoundsUsesStartAndToday(t *testing.T) {
	// Act
	name := RunDirName("alice@example.com", "example.com", nil, nil)

	// Assert
	assert.Contains(t, name, "alice_example.com_Start_")
	assert.Equal(t, time.Now().Format("20060102"), name[len(name)-8:])
}

func TestSanitizer_StripsInboxPrefixCaseInsensitively(t *testing.T) {
	// Arrange
	s := NewSanitizer()

	// Act & Assert
	assert.Equal(t, "Archive", s.Segment("INBOX.Archive"))
	assert.Equal(t, "Projects", s.Segment("inbox/Projects"))
	assert.Equal(t, "INBOX", s.Segment("INBOX"))
}

func TestSanitizer_ReplacesIllegalCharacters(t *testing.T) {
	// Arrange
	s := NewSanitizer()

	// Act
	seg := s.Segment("Work/Clients: Éxample")

	// Assert
	for _, r := range seg {
		assert.True(t, (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-')
	}
}

func TestSanitizer_CollisionGetsDisambiguatingSuffix(t *testing.T) {
	// Arrange: two distinct server folders collapse to the same stripped
	// name once the INBOX. prefix is removed.
	s := NewSanitizer()

	// Act
	first := s.Segment("INBOX.Notes")
	second := s.Segment("Notes")

	// Assert
	assert.Equal(t, "Notes", first)
	assert.NotEqual(t, first, second)
	assert.Contains(t, second, "Notes_")
}

func TestSanitizer_SameFolderAlwaysReturnsSameSegment(t *testing.T) {
	// Arrange
	s := NewSanitizer()

	// Act
	a := s.Segment("INBOX.Projects")
	b := s.Segment("INBOX.Projects")

	// Assert
	assert.Equal(t, a, b)
}

func TestMessagePath(t *testing.T) {
	// Act
	path := MessagePath("/run", "Archive", 42)

	// Assert
	assert.Equal(t, filepath.Join("/run", "Archive", "email_Archive_42.eml"), path)
}

func TestAtomicWrite_CreatesFileWithNoTempLeftover(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "email_INBOX_1.eml")

	// Act
	err := AtomicWrite(path, []byte("hello"))

	// Assert
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteSummary_RendersCoreFields(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	path := filepath.Join(dir, "run.summary.txt")
	summary := model.RunSummary{
		Status:     model.StatusCompleted,
		Downloaded: 3,
		Skipped:    1,
		Failed:     []model.Task{{Folder: "INBOX", UID: 4}},
		Endpoint:   model.Endpoint{Host: "imap.example.com", Port: 993, SSL: true},
	}

	// Act
	err := WriteSummary(path, summary)

	// Assert
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "Status: Completed")
	assert.Contains(t, content, "Downloaded: 3")
	assert.Contains(t, content, "imap.example.com:993")
	assert.Contains(t, content, "INBOX/4")
}
