package dnsdisc

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/mprestonsparks/dean-orchestration/internal/config"
	"github.com/mprestonsparks/dean-orchestration/internal/model"
)

// ServiceSource 提供DNS解析所需的服务查询能力
type ServiceSource interface {
	Get(name string) (*model.ServiceRegistration, error)
}

// Handler DNS请求处理器，将注册表中的服务解析为A和SRV记录
type Handler struct {
	source ServiceSource
	domain string // 本地域名后缀，不带末尾的点
	ttl    uint32
	logger config.Logger
}

// NewHandler 创建DNS请求处理器
func NewHandler(source ServiceSource, domain string, ttl uint32, logger config.Logger) *Handler {
	return &Handler{
		source: source,
		domain: strings.TrimSuffix(domain, "."),
		ttl:    ttl,
		logger: logger,
	}
}

// ServeDNS 处理DNS请求
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	// 只处理标准查询
	if r.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		h.write(w, m)
		return
	}

	if len(r.Question) == 0 {
		m.Rcode = dns.RcodeFormatError
		h.write(w, m)
		return
	}

	q := r.Question[0]
	name := strings.TrimSuffix(strings.ToLower(q.Name), ".")

	// 非本地域的查询一律拒绝，本服务不做上游转发
	if !strings.HasSuffix(name, h.domain) {
		m.Rcode = dns.RcodeRefused
		h.write(w, m)
		return
	}

	serviceName, srv := extractServiceName(name, h.domain)
	if serviceName == "" {
		m.Rcode = dns.RcodeNameError
		h.write(w, m)
		return
	}

	reg, err := h.source.Get(serviceName)
	if err != nil {
		m.Rcode = dns.RcodeNameError
		h.write(w, m)
		return
	}

	// 不健康的服务对DNS发现不可见
	if reg.Status == model.HealthUnhealthy {
		m.Rcode = dns.RcodeNameError
		h.write(w, m)
		return
	}

	m.Authoritative = true

	switch {
	case srv && q.Qtype == dns.TypeSRV:
		target := reg.Name + "." + h.domain
		if rr, err := createSRVRecord(q.Name, target, reg.Port, h.ttl); err == nil {
			m.Answer = append(m.Answer, rr)
		}
	case !srv && q.Qtype == dns.TypeA:
		// 只有主机为IP地址时才能生成A记录
		if ip := net.ParseIP(reg.Host); ip != nil && ip.To4() != nil {
			if rr, err := createARecord(q.Name, reg.Host, h.ttl); err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
	}

	h.write(w, m)
}

// write 发送响应并记录失败
func (h *Handler) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		h.logger.Warn("发送DNS响应失败", zap.Error(err))
	}
}

// extractServiceName 从查询域名中提取服务名称，srv表示是否为SRV形式的查询
func extractServiceName(name, baseDomain string) (serviceName string, srv bool) {
	prefix := strings.TrimSuffix(name, baseDomain)
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return "", false
	}

	// SRV查询形如 _population-service._tcp.<domain>
	if strings.HasPrefix(prefix, "_") {
		parts := strings.Split(prefix, ".")
		if len(parts) == 2 && parts[1] == "_tcp" {
			return strings.TrimPrefix(parts[0], "_"), true
		}
		return "", false
	}

	// A查询形如 <service>.<domain>
	if strings.Contains(prefix, ".") {
		return "", false
	}
	return prefix, false
}

// createARecord 创建A记录
func createARecord(name, ip string, ttl uint32) (dns.RR, error) {
	return dns.NewRR(fmt.Sprintf("%s %d IN A %s", name, ttl, ip))
}

// createSRVRecord 创建SRV记录
func createSRVRecord(name, target string, port int, ttl uint32) (dns.RR, error) {
	return dns.NewRR(fmt.Sprintf("%s %d IN SRV 10 10 %d %s.", name, ttl, port, target))
}
