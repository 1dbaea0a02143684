// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package hostfunc

import (
	"github.com/visorhq/visor/pkg/plugin"
)

// storage binds the KV store to the plugin's own namespace. Each call runs
// off the guest thread and settles a deferred.
func (f *Functions) storage(pluginName string) map[string]any {
	return map[string]any{
		"get": plugin.AsyncFunc(func(args ...any) *plugin.Deferred {
			key, err := stringArg("storage.get", args, 0, "key")
			if err != nil {
				return plugin.Rejected(err)
			}
			if f.kv == nil {
				return plugin.Rejected(f.unavailable("storage.get", "storage"))
			}
			return plugin.Go(func() (any, error) {
				ctx, cancel := f.storageContext()
				defer cancel()

				value, err := f.kv.Get(ctx, pluginName, key)
				if err != nil || value == nil {
					return nil, err
				}
				return string(value), nil
			})
		}),
		"set": plugin.AsyncFunc(func(args ...any) *plugin.Deferred {
			key, err := stringArg("storage.set", args, 0, "key")
			if err != nil {
				return plugin.Rejected(err)
			}
			value, err := stringArg("storage.set", args, 1, "value")
			if err != nil {
				return plugin.Rejected(err)
			}
			if f.kv == nil {
				return plugin.Rejected(f.unavailable("storage.set", "storage"))
			}
			return plugin.Go(func() (any, error) {
				ctx, cancel := f.storageContext()
				defer cancel()
				return nil, f.kv.Set(ctx, pluginName, key, []byte(value))
			})
		}),
		"delete": plugin.AsyncFunc(func(args ...any) *plugin.Deferred {
			key, err := stringArg("storage.delete", args, 0, "key")
			if err != nil {
				return plugin.Rejected(err)
			}
			if f.kv == nil {
				return plugin.Rejected(f.unavailable("storage.delete", "storage"))
			}
			return plugin.Go(func() (any, error) {
				ctx, cancel := f.storageContext()
				defer cancel()
				return nil, f.kv.Delete(ctx, pluginName, key)
			})
		}),
		"keys": plugin.AsyncFunc(func(...any) *plugin.Deferred {
			if f.kv == nil {
				return plugin.Rejected(f.unavailable("storage.keys", "storage"))
			}
			return plugin.Go(func() (any, error) {
				ctx, cancel := f.storageContext()
				defer cancel()

				keys, err := f.kv.Keys(ctx, pluginName)
				if err != nil {
					return nil, err
				}
				out := make([]any, len(keys))
				for i, k := range keys {
					out[i] = k
				}
				return out, nil
			})
		}),
	}
}
