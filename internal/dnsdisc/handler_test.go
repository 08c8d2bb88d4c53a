package dnsdisc

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mprestonsparks/dean-orchestration/internal/apierr"
	"github.com/mprestonsparks/dean-orchestration/internal/config"
	"github.com/mprestonsparks/dean-orchestration/internal/model"
)

// fakeSource 基于map的服务查询实现
type fakeSource struct {
	services map[string]*model.ServiceRegistration
}

func (f *fakeSource) Get(name string) (*model.ServiceRegistration, error) {
	reg, ok := f.services[name]
	if !ok {
		return nil, apierr.NewNotFoundError("服务未注册: " + name)
	}
	return reg.Clone(), nil
}

// fakeWriter 记录响应的dns.ResponseWriter实现
type fakeWriter struct {
	msg *dns.Msg
}

func (f *fakeWriter) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8053}
}

func (f *fakeWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 54321}
}

func (f *fakeWriter) WriteMsg(m *dns.Msg) error   { f.msg = m; return nil }
func (f *fakeWriter) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeWriter) Close() error                { return nil }
func (f *fakeWriter) TsigStatus() error           { return nil }
func (f *fakeWriter) TsigTimersOnly(bool)         {}
func (f *fakeWriter) Hijack()                     {}

func newTestHandler() *Handler {
	source := &fakeSource{services: map[string]*model.ServiceRegistration{
		"population-service": {Name: "population-service", Host: "10.0.0.7", Port: 8081},
		"token-ledger":       {Name: "token-ledger", Host: "ledger.internal", Port: 8091},
		"workflow-engine":    {Name: "workflow-engine", Host: "10.0.0.9", Port: 8100, Status: model.HealthUnhealthy},
	}}
	return NewHandler(source, "dean.local.", 30, config.NewNopLogger())
}

func query(t *testing.T, h *Handler, name string, qtype uint16) *dns.Msg {
	t.Helper()

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)

	w := &fakeWriter{}
	h.ServeDNS(w, req)
	require.NotNil(t, w.msg, "应当写出DNS响应")
	return w.msg
}

// 测试A记录查询解析已注册服务
func TestHandler_AQuery(t *testing.T) {
	h := newTestHandler()

	resp := query(t, h, "population-service.dean.local", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.7", a.A.String())
	assert.Equal(t, uint32(30), a.Hdr.Ttl)
}

// 测试SRV记录查询携带端口信息
func TestHandler_SRVQuery(t *testing.T) {
	h := newTestHandler()

	resp := query(t, h, "_token-ledger._tcp.dean.local", dns.TypeSRV)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)

	srv, ok := resp.Answer[0].(*dns.SRV)
	require.True(t, ok)
	assert.Equal(t, uint16(8091), srv.Port)
	assert.Equal(t, "token-ledger.dean.local.", srv.Target)
}

// 测试主机名不是IP时A查询返回空应答
func TestHandler_AQueryHostname(t *testing.T) {
	h := newTestHandler()

	resp := query(t, h, "token-ledger.dean.local", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

// 测试未注册服务返回NXDOMAIN
func TestHandler_UnknownService(t *testing.T) {
	h := newTestHandler()

	resp := query(t, h, "missing-service.dean.local", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

// 测试不健康的服务对DNS发现不可见
func TestHandler_UnhealthyServiceHidden(t *testing.T) {
	h := newTestHandler()

	resp := query(t, h, "workflow-engine.dean.local", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

// 测试非本地域查询被拒绝
func TestHandler_OutsideDomainRefused(t *testing.T) {
	h := newTestHandler()

	resp := query(t, h, "example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
}

func TestExtractServiceName(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		service string
		srv     bool
	}{
		{"普通A查询", "population-service.dean.local", "population-service", false},
		{"SRV查询", "_population-service._tcp.dean.local", "population-service", true},
		{"裸域名", "dean.local", "", false},
		{"多级前缀", "a.b.dean.local", "", false},
		{"非tcp的SRV", "_svc._udp.dean.local", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, srv := extractServiceName(tt.query, "dean.local")
			assert.Equal(t, tt.service, service)
			assert.Equal(t, tt.srv, srv)
		})
	}
}
