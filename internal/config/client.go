package config

import (
	"net/http"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tcfw/w3s/pkg/chunker"
	"github.com/tcfw/w3s/pkg/dag"
	"github.com/tcfw/w3s/pkg/w3s"
)

type Client struct {
	Token    string
	Endpoint string
	Retries  int
	Timeout  time.Duration

	Upload struct {
		ChunkSize       int64
		FanOut          int
		InlineThreshold int64
		MaxCarSize      int64
		MaxUploadSize   int64
		MemoryLimit     int64
		ScratchDir      string
	}

	CID struct {
		Version   uint64
		Hash      string
		RawLeaves bool
		Base      multibase.Encoder
	}
}

const (
	Cfg_token    = "token"
	Cfg_endpoint = "endpoint"

	Cfg_http_retries = "http.retries"
	Cfg_http_timeout = "http.timeout"

	Cfg_upload_chunkSize       = "upload.chunkSize"
	Cfg_upload_fanOut          = "upload.fanOut"
	Cfg_upload_inlineThreshold = "upload.inlineThreshold"
	Cfg_upload_maxCarSize      = "upload.maxCarSize"
	Cfg_upload_maxUploadSize   = "upload.maxUploadSize"
	Cfg_upload_memoryLimit     = "upload.memoryLimit"
	Cfg_upload_scratchDir      = "upload.scratchDir"

	Cfg_cid_version   = "cid.version"
	Cfg_cid_hash      = "cid.hash"
	Cfg_cid_rawLeaves = "cid.rawLeaves"
	Cfg_cid_base      = "cid.base"
)

var (
	clientDefaults = map[string]interface{}{
		Cfg_endpoint: w3s.DefaultEndpoint,

		Cfg_http_retries: w3s.DefaultRetries,
		Cfg_http_timeout: "0s",

		Cfg_upload_chunkSize:       "1MB",
		Cfg_upload_fanOut:          174,
		Cfg_upload_inlineThreshold: "100MB",
		Cfg_upload_maxCarSize:      "100MB",
		Cfg_upload_maxUploadSize:   "32GB",
		Cfg_upload_memoryLimit:     "256MB",
		Cfg_upload_scratchDir:      "",

		Cfg_cid_version:   1,
		Cfg_cid_hash:      "sha2-256",
		Cfg_cid_rawLeaves: true,
		Cfg_cid_base:      "base32",
	}
)

func init() {
	for k, v := range clientDefaults {
		viper.SetDefault(k, v)
	}
}

func buildClientConfig() (*Client, error) {
	c := &Client{}

	c.Token = viper.GetString(Cfg_token)
	c.Endpoint = viper.GetString(Cfg_endpoint)
	c.Retries = viper.GetInt(Cfg_http_retries)
	c.Timeout = viper.GetDuration(Cfg_http_timeout)

	//sizes accept kb/mb/gb suffixes
	c.Upload.ChunkSize = int64(viper.GetSizeInBytes(Cfg_upload_chunkSize))
	c.Upload.FanOut = viper.GetInt(Cfg_upload_fanOut)
	c.Upload.InlineThreshold = int64(viper.GetSizeInBytes(Cfg_upload_inlineThreshold))
	c.Upload.MaxCarSize = int64(viper.GetSizeInBytes(Cfg_upload_maxCarSize))
	c.Upload.MaxUploadSize = int64(viper.GetSizeInBytes(Cfg_upload_maxUploadSize))
	c.Upload.MemoryLimit = int64(viper.GetSizeInBytes(Cfg_upload_memoryLimit))
	c.Upload.ScratchDir = viper.GetString(Cfg_upload_scratchDir)

	if c.Upload.ChunkSize <= 0 || c.Upload.ChunkSize > chunker.MaxChunkSize {
		return nil, errors.Errorf("invalid %s %q", Cfg_upload_chunkSize, viper.GetString(Cfg_upload_chunkSize))
	}

	c.CID.Version = viper.GetUint64(Cfg_cid_version)
	c.CID.Hash = viper.GetString(Cfg_cid_hash)
	c.CID.RawLeaves = viper.GetBool(Cfg_cid_rawLeaves)

	base, err := multibase.EncoderByName(viper.GetString(Cfg_cid_base))
	if err != nil {
		return nil, errors.Wrap(err, "cid base")
	}
	c.CID.Base = base

	return c, nil
}

// Options converts the config into client options.
func (c *Client) Options(l *logrus.Entry) []w3s.Option {
	opts := []w3s.Option{
		w3s.WithEndpoint(c.Endpoint),
		w3s.WithRetries(c.Retries),
		w3s.WithChunkSize(c.Upload.ChunkSize),
		w3s.WithFanOut(c.Upload.FanOut),
		w3s.WithInlineThreshold(c.Upload.InlineThreshold),
		w3s.WithMaxCarSize(c.Upload.MaxCarSize),
		w3s.WithMaxUploadSize(c.Upload.MaxUploadSize),
		w3s.WithMemoryLimit(c.Upload.MemoryLimit),
		w3s.WithScratchDir(c.Upload.ScratchDir),
		w3s.WithCIDVersion(c.CID.Version),
		w3s.WithHashName(c.CID.Hash),
		w3s.WithRawLeaves(c.CID.RawLeaves),
	}

	if c.Timeout > 0 {
		opts = append(opts, w3s.WithHTTPClient(&http.Client{Timeout: c.Timeout}))
	}

	if l != nil {
		opts = append(opts, w3s.WithLogger(l))
	}

	return opts
}

// DagOptions are the DAG layout settings for building locally.
func (c *Client) DagOptions() []dag.Option {
	return []dag.Option{
		dag.WithFanOut(c.Upload.FanOut),
		dag.WithCIDVersion(c.CID.Version),
		dag.WithHashName(c.CID.Hash),
		dag.WithRawLeaves(c.CID.RawLeaves),
	}
}

// FormatCID renders id in the configured multibase. Version 0 CIDs are
// always base58btc.
func (c *Client) FormatCID(id cid.Cid) string {
	if id.Version() == 0 {
		return id.String()
	}

	return id.Encode(c.CID.Base)
}
