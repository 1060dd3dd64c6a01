package leader

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

type Config struct {
	LockName      string        `yaml:"lockName"`
	Namespace     string        `yaml:"namespace"`
	Identity      string        `yaml:"identity"`
	LeaseDuration time.Duration `yaml:"leaseDuration"`
	RenewDeadline time.Duration `yaml:"renewDeadline"`
	RetryPeriod   time.Duration `yaml:"retryPeriod"`
}

func DefaultConfig() Config {
	return Config{
		LeaseDuration: 15 * time.Second,
		RenewDeadline: 10 * time.Second,
		RetryPeriod:   2 * time.Second,
	}
}

// extractServiceName extracts the service name from a pod name.
// For example, from pod name "chunkmeta-coordinator-abc123", it will return "chunkmeta-coordinator".
func extractServiceName(podName string) string {
	parts := strings.Split(podName, "-")
	if len(parts) > 1 {
		return strings.Join(parts[:len(parts)-1], "-")
	}
	return podName
}

// FillFromEnv completes the identity, namespace and lock name from the
// POD_NAME and POD_NAMESPACE environment variables. The lock name defaults to
// "{service-name}-leader".
func (c *Config) FillFromEnv() error {
	if c.Identity == "" {
		c.Identity = os.Getenv("POD_NAME")
	}
	if c.Namespace == "" {
		c.Namespace = os.Getenv("POD_NAMESPACE")
	}
	if c.Identity == "" {
		return errors.New("POD_NAME environment variable is not set")
	}
	if c.Namespace == "" {
		return errors.New("POD_NAMESPACE environment variable is not set")
	}
	if c.LockName == "" {
		c.LockName = extractServiceName(c.Identity) + "-leader"
	}
	return nil
}

// AcquireLeaderLock runs one round of leader election and calls
// onStartedLeading when leadership is acquired. The context passed to
// onStartedLeading is cancelled when leadership is lost. It returns once
// leadership is lost or ctx is done.
func AcquireLeaderLock(ctx context.Context, client kubernetes.Interface, config Config, onStartedLeading func(context.Context)) error {
	elector, err := setupLeaderElection(client, config, onStartedLeading)
	if err != nil {
		return err
	}
	elector.Run(ctx)
	return nil
}

// Elector keeps campaigning until ctx is done, so a process that loses the
// lease competes for it again.
func Elector(client kubernetes.Interface, config Config) func(context.Context, func(context.Context)) {
	return func(ctx context.Context, onStartedLeading func(context.Context)) {
		for ctx.Err() == nil {
			if err := AcquireLeaderLock(ctx, client, config, onStartedLeading); err != nil {
				log.Error("failed to setup leader election", zap.Error(err))
				return
			}
		}
	}
}

func setupLeaderElection(
	client kubernetes.Interface,
	config Config,
	onStartedLeading func(context.Context),
) (*leaderelection.LeaderElector, error) {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      config.LockName,
			Namespace: config.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: config.Identity,
		},
	}

	return leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		ReleaseOnCancel: true,
		LeaseDuration:   config.LeaseDuration,
		RenewDeadline:   config.RenewDeadline,
		RetryPeriod:     config.RetryPeriod,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				log.Info("started leading", zap.String("lock", config.LockName), zap.String("identity", config.Identity))
				onStartedLeading(ctx)
			},
			OnStoppedLeading: func() {
				log.Info("stopped leading", zap.String("lock", config.LockName), zap.String("identity", config.Identity))
			},
		},
	})
}
