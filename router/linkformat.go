// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"sort"
	"strings"
)

// discoveryPath is skipped when listing routes; LinkFormat always emits the
// discovery entry itself, first.
const discoveryPath = "/.well-known/core"

// LinkFormat renders the route table as an RFC 6690 application/link-format
// document: one `</path>;attr=value` entry per path, comma-separated.
// Routes sharing a path have their metadata merged.
func LinkFormat(routes []*Route) string {
	merged := make(map[string]Meta)
	var paths []string
	for _, route := range routes {
		if route.Pattern == discoveryPath {
			continue
		}
		meta, ok := merged[route.Pattern]
		if !ok {
			meta = Meta{}
			merged[route.Pattern] = meta
			paths = append(paths, route.Pattern)
		}
		for k, v := range route.Meta {
			meta[k] = v
		}
	}
	sort.Strings(paths)

	entries := make([]string, 0, len(paths)+1)
	entries = append(entries, fmt.Sprintf("<%s>;rt=%q", discoveryPath, "core.discovery"))
	for _, path := range paths {
		entries = append(entries, linkEntry(path, merged[path]))
	}
	return strings.Join(entries, ",")
}

func linkEntry(path string, meta Meta) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<%s>", path)

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := meta[k].(type) {
		case nil:
		case bool:
			if v {
				fmt.Fprintf(&sb, ";%s", k)
			}
		case string:
			fmt.Fprintf(&sb, ";%s=%q", k, v)
		case []string:
			fmt.Fprintf(&sb, ";%s=%q", k, strings.Join(v, " "))
		case int, int64, uint16, uint32, uint64:
			fmt.Fprintf(&sb, ";%s=%v", k, v)
		default:
			fmt.Fprintf(&sb, ";%s=%q", k, fmt.Sprint(v))
		}
	}
	return sb.String()
}
