// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package controlclient is the thin HTTP adapter over the control
// server's membership, manifest, and wellness-check surface (spec §4.7,
// §6). The core treats the control server as an external collaborator
// (spec §1); this package is the only place that surface is touched.
//
// None of the teacher's third-party stack (logrus aside) has any HTTP
// client concern to reuse here — gringo talks to peers over raw TCP and
// to MySQL over the database/sql driver, never HTTP — so this wraps the
// standard library's net/http directly, in the same plain, no-framework
// style the teacher uses for its own network code (DESIGN.md records
// this as a stdlib choice, not an oversight).
package controlclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrServerError is returned when the control server responds with a 5xx
// status; spec §7: "SERVER_ERROR from the control server aborts the
// current update cycle."
var ErrServerError = errors.New("controlclient: server error")

// Client is a configured adapter for one control server (spec §6).
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Retries int
}

// New returns a Client with the fixed per-call timeout and retry count
// spec §4.7 specifies (default 5s timeout, one retry).
func New(baseURL string, timeout time.Duration, retries int) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Retries: retries,
	}
}

// PeerEntry is one row of a cluster's peer list (spec §6).
type PeerEntry struct {
	PeerID string `json:"peer_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

// CreateCluster issues POST /cluster/ and returns the new cluster_id.
func (c *Client) CreateCluster() (string, error) {
	var out struct {
		ClusterID string `json:"cluster_id"`
	}

	if err := c.doJSON(http.MethodPost, "/cluster/", nil, &out); err != nil {
		return "", err
	}

	return out.ClusterID, nil
}

// PeerList issues GET /cluster/{id} and returns the current peer list.
func (c *Client) PeerList(clusterID string) ([]PeerEntry, error) {
	var out []PeerEntry

	if err := c.doJSON(http.MethodGet, "/cluster/"+clusterID, nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// Join issues PUT /cluster/{id}/ to announce this peer's presence.
func (c *Client) Join(clusterID string, self PeerEntry) error {
	return c.doJSON(http.MethodPut, "/cluster/"+clusterID+"/", self, nil)
}

// WellnessCheck issues POST /cluster/{id}/wellness_check, asking the
// control server to probe peerID (spec §4.6 step 1, §8 scenario S4).
func (c *Client) WellnessCheck(clusterID, peerID string) error {
	body := struct {
		PeerID string `json:"peer_id"`
	}{PeerID: peerID}

	return c.doJSON(http.MethodPost, "/cluster/"+clusterID+"/wellness_check", body, nil)
}

// ManifestHash issues GET /cluster/{id}/manifestHash, the polling
// heartbeat trigger (c) in spec §4.6.
func (c *Client) ManifestHash(clusterID string) (string, error) {
	var out struct {
		Hash string `json:"hash"`
	}

	if err := c.doJSON(http.MethodGet, "/cluster/"+clusterID+"/manifestHash", nil, &out); err != nil {
		return "", err
	}

	return out.Hash, nil
}

// Manifest issues GET /cluster/{id}/manifest and returns the raw manifest
// bytes (spec §4.6 step 1).
func (c *Client) Manifest(clusterID string) ([]byte, error) {
	return c.doRaw(http.MethodGet, "/cluster/"+clusterID+"/manifest", nil)
}

// AppendManifest issues POST /cluster/{id}/manifest with a single new
// filename and returns the server's new manifest digest (spec §4.6
// share() flow step 3's server-side counterpart).
func (c *Client) AppendManifest(clusterID, filename string) (string, error) {
	body := struct {
		Filename string `json:"filename"`
	}{Filename: filename}

	var out struct {
		Hash string `json:"hash"`
	}

	if err := c.doJSON(http.MethodPost, "/cluster/"+clusterID+"/manifest", body, &out); err != nil {
		return "", err
	}

	return out.Hash, nil
}

// FileCreator issues GET /cluster/{id}/getFileCreator?fileId={h} and
// returns the creator's address, or "" if the server has none on record
// (spec §4.6 step 2, §8 scenario S5).
func (c *Client) FileCreator(clusterID, fileHash string) (string, error) {
	path := fmt.Sprintf("/cluster/%s/getFileCreator?fileId=%s", clusterID, url.QueryEscape(fileHash))

	var out struct {
		Address string `json:"address"`
	}

	if err := c.doJSON(http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}

	return out.Address, nil
}

func (c *Client) doJSON(method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	respBody, err := c.do(method, path, reqBody)
	if err != nil {
		return err
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}

	return json.Unmarshal(respBody, out)
}

func (c *Client) doRaw(method, path string, body io.Reader) ([]byte, error) {
	return c.do(method, path, body)
}

func (c *Client) do(method, path string, body io.Reader) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.Retries; attempt++ {
		req, err := http.NewRequest(method, c.BaseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
			logrus.Debug("controlclient: attempt ", attempt+1, " failed: ", err)
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
			continue
		}

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("controlclient: status %d: %s", resp.StatusCode, string(data))
		}

		return data, nil
	}

	return nil, lastErr
}
