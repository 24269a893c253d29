package channel

import (
	"fmt"
	"path/filepath"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmchan/api"
)

// endpoints holds the open endpoints of this process, keyed by role and channel.
var endpoints = cmap.New[api.Endpoint]()

func registryKey(role api.Role, dir, id string) string {
	return string(role) + ":" + filepath.Join(dir, id)
}

// register records e under key and rejects a second endpoint of the same role on the
// same channel; the protocol has exactly one producer and one consumer.
func register(key string, e api.Endpoint) error {
	if !endpoints.SetIfAbsent(key, e) {
		return fmt.Errorf("%w: %s endpoint already open in this process", ErrInvalidArgument, key)
	}
	return nil
}

func unregister(key string) {
	endpoints.Remove(key)
}

// Endpoints returns the endpoints currently open in this process.
func Endpoints() []api.Endpoint {
	items := endpoints.Items()
	out := make([]api.Endpoint, 0, len(items))
	for _, e := range items {
		out = append(out, e)
	}
	return out
}
