package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testOptions() Options {
	return Options{
		ListenIP: "127.0.0.1",
		Realm:    "meshcast",
		PublicIP: "127.0.0.1",
		Username: "mesh",
		Password: "secret",
	}
}

func TestServe(t *testing.T) {
	srv, err := Serve(testOptions(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer srv.Close()

	ice := srv.ICEServer()
	require.Len(t, ice.URLs, 1)
	assert.Contains(t, ice.URLs[0], "turn:127.0.0.1:")
	assert.Equal(t, "mesh", ice.Username)
	assert.Equal(t, "secret", ice.Credential)
	assert.Zero(t, srv.AllocationCount())
}

func TestServe_InvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "missing credentials", mutate: func(o *Options) { o.Password = "" }},
		{name: "bad public ip", mutate: func(o *Options) { o.PublicIP = "not-an-ip" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.mutate(&opts)
			_, err := Serve(opts, zap.NewNop().Sugar())
			assert.Error(t, err)
		})
	}
}
