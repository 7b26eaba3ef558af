package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flatironinstitute/neurosift-annotations/internal/annotations"
	"github.com/flatironinstitute/neurosift-annotations/internal/client"
)

type assetFlags struct {
	repo       string
	instance   string
	dandisetID string
	assetPath  string
	assetID    string
}

func (f *assetFlags) register(cmd *cobra.Command, withRepo bool) {
	if withRepo {
		cmd.Flags().StringVar(&f.repo, "repo", os.Getenv("NSA_REPO"), "annotation repository as owner/name")
	}
	cmd.Flags().StringVar(&f.instance, "instance", "dandi", "DANDI instance name")
	cmd.Flags().StringVar(&f.dandisetID, "dandiset", "", "dandiset id")
	cmd.Flags().StringVar(&f.assetPath, "asset-path", "", "asset path inside the dandiset")
	cmd.Flags().StringVar(&f.assetID, "asset-id", "", "asset id")
}

func (f *assetFlags) asset() annotations.AssetKey {
	return annotations.AssetKey{
		InstanceName: f.instance,
		DandisetID:   f.dandisetID,
		AssetPath:    f.assetPath,
		AssetID:      f.assetID,
	}
}

func (f *assetFlags) target() (client.Target, error) {
	if strings.TrimSpace(f.repo) == "" {
		return client.Target{}, fmt.Errorf("--repo is required")
	}
	if err := f.asset().Validate(); err != nil {
		return client.Target{}, err
	}
	return client.Target{
		Repo:              f.repo,
		DandiInstanceName: f.instance,
		DandisetID:        f.dandisetID,
		AssetPath:         f.assetPath,
		AssetID:           f.assetID,
	}, nil
}

type remoteFlags struct {
	server string
	token  string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	server := os.Getenv("NSA_SERVER_URL")
	if server == "" {
		server = "http://127.0.0.1:8080"
	}
	cmd.Flags().StringVar(&f.server, "server", server, "annotation service base URL")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("GITHUB_TOKEN"), "GitHub access token")
}

func (f *remoteFlags) client() *client.HTTPClient {
	return client.NewHTTPClient(f.server, f.token, nil)
}

func newPathCmd() *cobra.Command {
	var asset assetFlags
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Print the repository path of an asset's annotation file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := asset.asset()
			if err := key.Validate(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), key.Path())
			return err
		},
	}
	asset.register(cmd, false)
	return cmd
}

func newGetCmd() *cobra.Command {
	var asset assetFlags
	var remote remoteFlags
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print an asset's annotation items as JSONL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := asset.target()
			if err != nil {
				return err
			}
			got, err := remote.client().GetNwbFileAnnotations(cmd.Context(), target)
			if err != nil {
				return err
			}
			content, err := annotations.SerializeSet(got.Items)
			if err != nil {
				return err
			}
			if len(content) > 0 {
				content = append(content, '\n')
			}
			_, err = cmd.OutOrStdout().Write(content)
			return err
		},
	}
	asset.register(cmd, true)
	remote.register(cmd)
	return cmd
}

func newSetCmd() *cobra.Command {
	var asset assetFlags
	var remote remoteFlags
	var file, message string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace an asset's annotation items with JSONL read from --file or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := asset.target()
			if err != nil {
				return err
			}
			var content []byte
			if file == "" || file == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				content, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			items, err := annotations.DeserializeSet(content)
			if err != nil {
				return err
			}
			result, err := remote.client().SetNwbFileAnnotations(cmd.Context(), target, items, message)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	asset.register(cmd, true)
	remote.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSONL file to upload; stdin when empty or -")
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	return cmd
}

func newInvalidateCmd() *cobra.Command {
	var asset assetFlags
	var remote remoteFlags
	var secret, fingerprint string
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop cached annotation entries for an asset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := asset.asset()
			if err := key.Validate(); err != nil {
				return err
			}
			c := remote.client()
			c.SetInternalSecret(secret)
			return c.InvalidateCache(cmd.Context(), client.CacheInvalidation{
				Repo:                  asset.repo,
				DandiInstanceName:     key.InstanceName,
				DandisetID:            key.DandisetID,
				AssetPath:             key.AssetPath,
				AssetID:               key.AssetID,
				CredentialFingerprint: fingerprint,
			})
		},
	}
	asset.register(cmd, true)
	remote.register(cmd)
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("NSA_INTERNAL_HMAC_SECRET"), "internal HMAC secret")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "credential fingerprint of the cached entry, needed when the cache is partitioned per credential")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
