package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"v2tester_nexus/internal/model"
)

// CheckNetwork 直连 (不经过引擎，也不读取环境代理) 依次请求 targets，
// 任意一个返回非错误状态即认为本机网络可用。全部失败时返回
// NetworkUnavailable，此时测试任何描述符都没有意义。targets 为空时跳过检查。
func CheckNetwork(ctx context.Context, targets []string, timeout time.Duration) error {
	if len(targets) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	client := &http.Client{Transport: transport, Timeout: timeout}
	defer client.CloseIdleConnections()

	var errs []error
	for _, target := range targets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		if resp.StatusCode < 400 {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: status %d", target, resp.StatusCode))
	}
	return model.Wrap(model.KindNetworkUnavailable, errors.Join(errs...), "no network check target reachable")
}
