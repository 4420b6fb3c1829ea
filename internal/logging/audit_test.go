package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrix/pipeline/internal/config"
	"github.com/orchestrix/pipeline/pkg/pipeline/engine"
)

func TestAuditLog_RecordWritesJSONLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	audit := NewAuditLog(config.AuditConfig{FilePath: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	audit.Record(engine.AuditEvent{PipelineID: "p1", TaskID: "t1", Kind: "cancelled", Detail: "analysis"})
	require.NoError(t, audit.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "p1", decoded["pipeline_id"])
	assert.Equal(t, "t1", decoded["task_id"])
	assert.Equal(t, "cancelled", decoded["kind"])
	assert.Equal(t, "analysis", decoded["detail"])
}
