package membership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/notify"
	"github.com/maxpert/huddle/telemetry"
	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
)

// Directory lists the pods that may be cluster members.
type Directory interface {
	ListPods(ctx context.Context) (*corev1.PodList, error)
}

// ClientsetDirectory lists pods through a typed clientset.
type ClientsetDirectory struct {
	Client        kubernetes.Interface
	Namespace     string
	LabelSelector string
}

func (d *ClientsetDirectory) ListPods(ctx context.Context) (*corev1.PodList, error) {
	return d.Client.CoreV1().Pods(d.Namespace).List(ctx, metav1.ListOptions{LabelSelector: d.LabelSelector})
}

// DocumentFetcher returns a raw pod-list document.
type DocumentFetcher func(ctx context.Context) ([]byte, error)

// DocumentDirectory decodes a pod-list document obtained from Fetch. A
// document without apiVersion/kind is read as a v1 PodList.
type DocumentDirectory struct {
	Fetch DocumentFetcher
}

var podListKind = schema.GroupVersionKind{Version: "v1", Kind: "PodList"}

func (d *DocumentDirectory) ListPods(ctx context.Context) (*corev1.PodList, error) {
	data, err := d.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return DecodePodList(data)
}

// DecodePodList parses a JSON (or YAML) pod-list document.
func DecodePodList(data []byte) (*corev1.PodList, error) {
	obj, _, err := scheme.Codecs.UniversalDeserializer().Decode(data, &podListKind, &corev1.PodList{})
	if err != nil {
		return nil, fmt.Errorf("decode pod list: %w", err)
	}
	list, ok := obj.(*corev1.PodList)
	if !ok {
		return nil, fmt.Errorf("decode pod list: unexpected object %T", obj)
	}
	return list, nil
}

// RESTFetcher fetches the raw pod-list document of namespace from the API
// server behind client.
func RESTFetcher(client rest.Interface, namespace, labelSelector string) DocumentFetcher {
	return func(ctx context.Context) ([]byte, error) {
		req := client.Get().Namespace(namespace).Resource("pods")
		if labelSelector != "" {
			req = req.Param("labelSelector", labelSelector)
		}
		return req.Do(ctx).Raw()
	}
}

// PodParseOptions controls how pods become members.
type PodParseOptions struct {
	// Port every member is reached on; member.PortUnspecified when unknown.
	Port   int
	Scheme string
	// LocalName and LocalIP identify the pod this process runs in.
	LocalName string
	LocalIP   string
}

// PodsToMembers converts running pods with an IP into members, in absolute
// order. Pods in any other phase, pods missing a name or IP, and the local
// pod are skipped.
func PodsToMembers(list *corev1.PodList, opts PodParseOptions) []*member.Member {
	if list == nil {
		return nil
	}
	scheme := opts.Scheme
	if scheme == "" {
		scheme = "tcp"
	}

	members := make([]*member.Member, 0, len(list.Items))
	for i := range list.Items {
		pod := &list.Items[i]

		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		ip := pod.Status.PodIP
		if ip == "" || pod.Name == "" {
			continue
		}
		if (opts.LocalName != "" && pod.Name == opts.LocalName) || (opts.LocalIP != "" && ip == opts.LocalIP) {
			continue
		}

		members = append(members, &member.Member{
			UniqueID: podUniqueID(pod),
			Host:     ip,
			Port:     opts.Port,
			Name:     member.DisplayName(scheme, ip, opts.Port),
			Payload:  []byte(pod.Name),
		})
	}
	return member.Order(members)
}

// podUniqueID uses the pod UID, or a name-derived UUID when the directory
// did not report one.
func podUniqueID(pod *corev1.Pod) []byte {
	if pod.UID != "" {
		if u, err := uuid.Parse(string(pod.UID)); err == nil {
			return u[:]
		}
		return []byte(pod.UID)
	}
	u := uuid.NewSHA1(uuid.NameSpaceURL, []byte(pod.Namespace+"/"+pod.Name))
	return u[:]
}

// KubernetesConfig configures pod-directory discovery.
type KubernetesConfig struct {
	Directory      Directory
	Pods           PodParseOptions
	PollInterval   time.Duration
	RequestTimeout time.Duration
	StopGrace      time.Duration
}

// Kubernetes polls a Directory and diffs each result against the previous
// snapshot. A failed poll keeps the previous snapshot.
type Kubernetes struct {
	base
	config  KubernetesConfig
	members *member.Set
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewKubernetes creates a directory provider.
func NewKubernetes(config KubernetesConfig) *Kubernetes {
	if config.StopGrace <= 0 {
		config.StopGrace = 2 * time.Second
	}
	return &Kubernetes{
		base:    base{name: string(KindKubernetes)},
		config:  config,
		members: member.NewSet(nil),
		now:     time.Now,
	}
}

func (p *Kubernetes) Init(local *member.Member, d *notify.Dispatcher) {
	p.base.Init(local, d)
	p.members = member.NewSet(p.localID())
}

// Start begins polling when svc includes MembershipRX. The first poll runs
// immediately in the background.
func (p *Kubernetes) Start(ctx context.Context, svc ServiceMask) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	if !svc.Has(MembershipRX) {
		return nil
	}
	if p.config.Directory == nil {
		return fmt.Errorf("kubernetes: directory is required")
	}
	if p.config.PollInterval <= 0 || p.config.RequestTimeout <= 0 {
		return fmt.Errorf("kubernetes: poll interval and request timeout must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.pollLoop(loopCtx)

	log.Info().
		Dur("interval", p.config.PollInterval).
		Int("port", p.config.Pods.Port).
		Msg("Kubernetes membership polling started")
	return nil
}

// Stop cancels the poll loop, aborting an in-flight request.
func (p *Kubernetes) Stop(ctx context.Context, svc ServiceMask) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	if !svc.Has(MembershipRX) {
		return nil
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.config.StopGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		return fmt.Errorf("poll loop: %w", ErrStopTimeout)
	case <-ctx.Done():
		return fmt.Errorf("poll loop: %w", ctx.Err())
	}

	for _, m := range p.members.Clear() {
		p.emit(m, member.CommandRemoved)
	}
	log.Info().Msg("Kubernetes membership polling stopped")
	return nil
}

func (p *Kubernetes) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		_ = p.poll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one directory request and applies the result.
func (p *Kubernetes) poll(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	list, err := p.config.Directory.ListPods(reqCtx)
	telemetry.DirectoryPollSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		telemetry.DirectoryPollsTotal.With("failed").Inc()
		log.Warn().
			Err(err).
			Dur("timeout", p.config.RequestTimeout).
			Int("known_members", p.members.Len()).
			Msg("Failed to poll kubernetes directory, keeping previous members")
		return err
	}
	telemetry.DirectoryPollsTotal.With("success").Inc()

	// A poll that raced with Stop must not repopulate the view.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	members := PodsToMembers(list, p.config.Pods)
	added, alive, removed := p.members.Replace(members, p.now())

	for _, m := range added {
		log.Info().Str("member", m.String()).Str("pod", string(m.Payload)).Msg("Member discovered")
		p.emit(m, member.CommandAdded)
	}
	for _, m := range alive {
		p.emit(m, member.CommandAlive)
	}
	for _, m := range removed {
		log.Info().Str("member", m.String()).Str("pod", string(m.Payload)).Msg("Member left directory")
		p.emit(m, member.CommandRemoved)
	}
	return nil
}

func (p *Kubernetes) Members() []*member.Member {
	return p.members.Members()
}

func (p *Kubernetes) Member(id []byte) (*member.Member, bool) {
	return p.members.Get(id)
}
