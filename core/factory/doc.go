// Package factory provides a small generic registry used to instantiate
// pluggable modules (metrics sinks, run archives, set-point publishers) from
// configuration. A module is described by a type string and a map of raw
// settings that the factory decodes into a typed struct.
//
//	reg := factory.NewRegistry[runlog.Store]()
//	reg.Register("jsonl", func(conf map[string]any) (runlog.Store, error) {
//	    var c struct{ Path string `json:"path"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return runlog.NewJSONLStore(c.Path)
//	})
package factory
