package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/switchboard/pkg/types"
)

const exposition = `# HELP process_cpu_seconds_total Total user and system CPU time.
# TYPE process_cpu_seconds_total counter
process_cpu_seconds_total 12.5

http_requests_total{method="get",path="/a b"} 1027 1395066363000
go_goroutines 42
broken_line
nan_gauge NaN
inf_gauge +Inf
memory_bytes 1.5e+06
uptime_seconds 300
open_fds 17
extra_metric 99
`

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  []Metric
	}{
		{
			name:  "default window of six lines drops the unparsable ones",
			limit: 0,
			want: []Metric{
				{"process_cpu_seconds_total", 12.5},
				{`http_requests_total{method="get",path="/a b"}`, 1027},
				{"go_goroutines", 42},
			},
		},
		{
			name:  "wide window reaches later samples",
			limit: 9,
			want: []Metric{
				{"process_cpu_seconds_total", 12.5},
				{`http_requests_total{method="get",path="/a b"}`, 1027},
				{"go_goroutines", 42},
				{"memory_bytes", 1.5e6},
				{"uptime_seconds", 300},
				{"open_fds", 17},
			},
		},
		{
			name:  "explicit limit",
			limit: 2,
			want: []Metric{
				{"process_cpu_seconds_total", 12.5},
				{`http_requests_total{method="get",path="/a b"}`, 1027},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseString(exposition, tt.limit))
		})
	}
}

func TestParseEmpty(t *testing.T) {
	assert.Empty(t, ParseString("# only comments\n\n", 6))
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(exposition))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL+"/metrics", 3, srv.Client())
	got, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "go_goroutines", got[2].Key)

	missing := NewFetcher(srv.URL+"/nope", 0, srv.Client())
	_, err = missing.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}
