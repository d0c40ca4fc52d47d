package rewrite

import (
	_ "embed"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"rewrite-proxy/internal/urlcodec"
)

// ShimVersion identifies the client runtime contract emitted by Shim.
const ShimVersion = "1"

const shimPlaceholder = "__RP_CONFIG__"

//go:embed shim.js
var shimTemplate string

// HTML-escaping keeps "</script>" out of inline payloads.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

type shimConfig struct {
	Proxy   string `json:"proxy"`
	Param   string `json:"param"`
	Page    string `json:"page"`
	Version string `json:"version"`
}

// Shim returns the client runtime script for a page at target served
// through proxy.
func Shim(proxy, target *url.URL) string {
	cfg, err := json.Marshal(shimConfig{
		Proxy:   proxy.String(),
		Param:   urlcodec.Param,
		Page:    target.String(),
		Version: ShimVersion,
	})
	if err != nil {
		// Only strings are marshaled; this cannot fail.
		panic(err)
	}
	return strings.Replace(shimTemplate, shimPlaceholder, string(cfg), 1)
}

type locationSnapshot struct {
	Href     string `json:"href"`
	Origin   string `json:"origin"`
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Hash     string `json:"hash"`
}

// LocationSnapshot returns a script defining the fixed location object that
// rewritten scripts read instead of the live location.
func LocationSnapshot(target *url.URL) string {
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	snap := locationSnapshot{
		Href:     target.String(),
		Origin:   target.Scheme + "://" + target.Host,
		Protocol: target.Scheme + ":",
		Host:     target.Host,
		Hostname: target.Hostname(),
		Port:     target.Port(),
		Pathname: path,
	}
	if target.RawQuery != "" {
		snap.Search = "?" + target.RawQuery
	}
	if target.Fragment != "" {
		snap.Hash = "#" + target.EscapedFragment()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		panic(err)
	}
	return "globalThis." + LocationGlobal + "=Object.freeze(Object.assign(" + string(data) +
		",{toString:function(){return this.href}}));"
}
