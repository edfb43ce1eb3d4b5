package membership

import (
	"fmt"
	"time"

	"github.com/maxpert/huddle/cfg"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/transport"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Kind names a provider implementation.
type Kind string

const (
	KindStatic     Kind = "static"
	KindMulticast  Kind = "multicast"
	KindKubernetes Kind = "kubernetes"
)

// Config selects and configures one provider.
type Config struct {
	Kind       Kind
	Static     StaticConfig
	Multicast  MulticastConfig
	Kubernetes KubernetesConfig
}

// New constructs the provider named by c.Kind.
func New(c Config) (Provider, error) {
	switch c.Kind {
	case KindStatic:
		return NewStatic(c.Static), nil
	case KindMulticast:
		if err := c.Multicast.Validate(); err != nil {
			return nil, err
		}
		return NewMulticast(c.Multicast), nil
	case KindKubernetes:
		if c.Kubernetes.Directory == nil {
			return nil, fmt.Errorf("kubernetes: directory is required")
		}
		return NewKubernetes(c.Kubernetes), nil
	default:
		return nil, fmt.Errorf("unknown membership provider %q", c.Kind)
	}
}

// ConfigFrom translates the file configuration into a provider Config.
// dir is only consulted for the kubernetes provider; when nil a clientset
// directory is built from the kubeconfig or the in-cluster service account.
func ConfigFrom(c cfg.MembershipConfiguration, dir Directory) (Config, error) {
	out := Config{Kind: Kind(c.Provider)}

	for i, sm := range c.StaticMembers {
		id, err := cfg.ParseUniqueID(sm.UniqueID)
		if err != nil {
			return Config{}, fmt.Errorf("static member %d: %w", i, err)
		}
		out.Static.Members = append(out.Static.Members, &member.Member{
			UniqueID: id,
			Host:     sm.Host,
			Port:     sm.Port,
			Name:     member.DisplayName("tcp", sm.Host, sm.Port),
			Payload:  []byte(sm.Payload),
		})
	}
	out.Static.ExpireTimeout = ms(c.ExpireTimeoutMS)

	mc := c.Multicast
	out.Multicast = MulticastConfig{
		Opener: transport.MulticastOpenerFor(transport.MulticastOptions{
			Group:     mc.Address,
			Port:      mc.Port,
			Interface: mc.Interface,
			TTL:       mc.TTL,
			Loopback:  mc.Loopback,
		}),
		Frequency:       ms(mc.FrequencyMS),
		DropTime:        ms(mc.DropTimeMS),
		RecoveryCounter: mc.RecoveryCounter,
		RecoverySleep:   ms(mc.RecoverySleepMS),
		StopGrace:       ms(mc.StopGracePeriodMS),
	}

	if out.Kind == KindKubernetes {
		kc := c.Kubernetes
		if dir == nil {
			var err error
			dir, err = NewClientsetDirectory(kc)
			if err != nil {
				return Config{}, err
			}
		}
		out.Kubernetes = KubernetesConfig{
			Directory: dir,
			Pods: PodParseOptions{
				Port:      kc.Port,
				Scheme:    kc.Scheme,
				LocalName: kc.PodName,
				LocalIP:   kc.PodIP,
			},
			PollInterval:   ms(kc.PollIntervalMS),
			RequestTimeout: ms(kc.RequestTimeoutMS),
		}
	}
	return out, nil
}

// NewClientsetDirectory connects to the API server described by kc.
func NewClientsetDirectory(kc cfg.KubernetesConfiguration) (*ClientsetDirectory, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if kc.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kc.Kubeconfig)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes client config: %w", err)
	}
	restConfig.Timeout = ms(kc.RequestTimeoutMS)

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return &ClientsetDirectory{
		Client:        client,
		Namespace:     kc.Namespace,
		LabelSelector: kc.LabelSelector,
	}, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
