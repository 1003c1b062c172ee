package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/wsrpc"
)

// HTTPTransferExecutor moves file and JSON packages between HTTP accessors:
// GET from the source, PUT to the target, DELETE on removal.
type HTTPTransferExecutor struct {
	Client *http.Client
}

// NewHTTPTransferExecutor constructs the executor with a bounded client.
func NewHTTPTransferExecutor() *HTTPTransferExecutor {
	return &HTTPTransferExecutor{Client: &http.Client{Timeout: 60 * time.Second}}
}

// Supports implements Executor.
func (e *HTTPTransferExecutor) Supports(exp expectation.Expectation) (bool, expectation.Reason) {
	switch exp.Type {
	case expectation.TypeMediaFile, expectation.TypeJSONData:
	default:
		return false, expectation.NewReason(
			"Unsupported package type",
			fmt.Sprintf("http executor cannot handle %s", exp.Type))
	}
	if _, err := e.sourceURL(exp); err != nil {
		return false, expectation.NewReason("No usable HTTP source accessor", err.Error())
	}
	if _, err := e.targetURL(exp); err != nil {
		return false, expectation.NewReason("No usable HTTP target accessor", err.Error())
	}
	return true, expectation.Reason{}
}

// IsReady implements Executor: the source must answer a HEAD request.
func (e *HTTPTransferExecutor) IsReady(ctx context.Context, exp expectation.Expectation) (wsrpc.IsReadyResult, error) {
	sourceURL, err := e.sourceURL(exp)
	if err != nil {
		return wsrpc.IsReadyResult{Reason: expectation.NewReason("No usable HTTP source accessor", err.Error())}, nil
	}
	ok, detail, err := e.exists(ctx, sourceURL)
	if err != nil {
		return wsrpc.IsReadyResult{}, err
	}
	if !ok {
		return wsrpc.IsReadyResult{
			SourceExists: false,
			Reason:       expectation.NewReason("Source is not reachable", detail),
		}, nil
	}
	return wsrpc.IsReadyResult{Ready: true, SourceExists: true}, nil
}

// IsFulfilled implements Executor: the target must answer a HEAD request.
func (e *HTTPTransferExecutor) IsFulfilled(ctx context.Context, exp expectation.Expectation, wasFulfilled bool) (wsrpc.IsFulfilledResult, error) {
	targetURL, err := e.targetURL(exp)
	if err != nil {
		return wsrpc.IsFulfilledResult{Reason: expectation.NewReason("No usable HTTP target accessor", err.Error())}, nil
	}
	ok, detail, err := e.exists(ctx, targetURL)
	if err != nil {
		return wsrpc.IsFulfilledResult{}, err
	}
	if !ok {
		return wsrpc.IsFulfilledResult{
			Reason: expectation.NewReason("Target does not exist", detail),
		}, nil
	}
	// HTTP targets carry no cheap content digest; the declared version is
	// accepted once the target exists.
	return wsrpc.IsFulfilledResult{Fulfilled: true, ActualVersionHash: exp.ContentVersionHash}, nil
}

// Work implements Executor: streams the source body to the target.
func (e *HTTPTransferExecutor) Work(ctx context.Context, exp expectation.Expectation, progress func(float64)) (string, error) {
	sourceURL, err := e.sourceURL(exp)
	if err != nil {
		return "", err
	}
	targetURL, err := e.targetURL(exp)
	if err != nil {
		return "", err
	}

	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build source request: %w", err)
	}
	getResp, err := e.Client.Do(getReq)
	if err != nil {
		return "", fmt.Errorf("fetch source: %w", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch source: unexpected status %s", getResp.Status)
	}

	if progress != nil {
		progress(0.1)
	}
	hasher := xxhash.New()
	body := io.TeeReader(getResp.Body, hasher)

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, targetURL, body)
	if err != nil {
		return "", fmt.Errorf("build target request: %w", err)
	}
	if length := getResp.ContentLength; length > 0 {
		putReq.ContentLength = length
	}
	putResp, err := e.Client.Do(putReq)
	if err != nil {
		return "", fmt.Errorf("upload target: %w", err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode < 200 || putResp.StatusCode >= 300 {
		return "", fmt.Errorf("upload target: unexpected status %s", putResp.Status)
	}
	if progress != nil {
		progress(1)
	}
	return hashDigest(hasher.Sum(nil)), nil
}

// Remove implements Executor via HTTP DELETE; 404 counts as removed.
func (e *HTTPTransferExecutor) Remove(ctx context.Context, exp expectation.Expectation) error {
	targetURL, err := e.targetURL(exp)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, targetURL, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete target: unexpected status %s", resp.Status)
	}
	return nil
}

func (e *HTTPTransferExecutor) exists(ctx context.Context, rawURL string) (bool, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false, "", fmt.Errorf("build head request: %w", err)
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return false, err.Error(), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return true, "", nil
	}
	return false, resp.Status, nil
}

func (e *HTTPTransferExecutor) sourceURL(exp expectation.Expectation) (string, error) {
	return resolveHTTPURL(exp.StartRequirement, exp.Type, func(a container.Accessor) bool { return a.AllowRead })
}

func (e *HTTPTransferExecutor) targetURL(exp expectation.Expectation) (string, error) {
	return resolveHTTPURL(exp.EndRequirement, exp.Type, func(a container.Accessor) bool { return a.AllowWrite })
}

func resolveHTTPURL(req expectation.Requirement, packageType expectation.PackageType, allowed func(container.Accessor) bool) (string, error) {
	relative := contentPath(packageType, req.Content)
	if relative == "" {
		return "", errors.New("requirement names no path")
	}
	for _, ref := range req.Containers {
		for _, accessor := range ref.Accessors {
			if accessor.Type != container.AccessorHTTP && accessor.Type != container.AccessorHTTPProxy {
				continue
			}
			if !allowed(accessor) {
				continue
			}
			base, err := url.Parse(accessor.BaseURL)
			if err != nil {
				return "", fmt.Errorf("parse base url: %w", err)
			}
			joined := base.JoinPath(strings.Split(relative, "/")...)
			return joined.String(), nil
		}
	}
	return "", errors.New("no http accessor with suitable permissions")
}
