package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	run "google.golang.org/api/run/v2"

	"github.com/toolbridge/backend/internal/config"
)

// CloudRunLauncher starts the producer and executor as managed job
// executions with per-launch environment overrides.
type CloudRunLauncher struct {
	svc *run.Service
	cfg *config.Config
	log *logrus.Entry
}

// NewCloudRunLauncher builds the launcher on application-default credentials.
func NewCloudRunLauncher(ctx context.Context, cfg *config.Config) (*CloudRunLauncher, error) {
	svc, err := run.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("supervisor: run service: %w", err)
	}
	return &CloudRunLauncher{
		svc: svc,
		cfg: cfg,
		log: logrus.WithField("component", "supervisor.cloudrun"),
	}, nil
}

func (c *CloudRunLauncher) Mode() string { return "cloud" }

func (c *CloudRunLauncher) jobName(job string) string {
	return fmt.Sprintf("projects/%s/locations/%s/jobs/%s",
		c.cfg.PubSub.Project, c.cfg.CloudRun.Region, job)
}

func (c *CloudRunLauncher) runJob(ctx context.Context, job string, env []string) (string, error) {
	overrides := make([]*run.GoogleCloudRunV2EnvVar, 0, len(env))
	for _, kv := range env {
		name, value, _ := strings.Cut(kv, "=")
		overrides = append(overrides, &run.GoogleCloudRunV2EnvVar{Name: name, Value: value})
	}

	op, err := c.svc.Projects.Locations.Jobs.Run(c.jobName(job), &run.GoogleCloudRunV2RunJobRequest{
		Overrides: &run.GoogleCloudRunV2Overrides{
			ContainerOverrides: []*run.GoogleCloudRunV2ContainerOverride{{Env: overrides}},
		},
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("supervisor: run job %s: %w", job, err)
	}
	return op.Name, nil
}

// Launch submits the executor execution, then the producer execution. Job
// executions cannot be watched cheaply from here, so onExit is unused; the
// lease expiring is the cloud-mode liveness backstop.
func (c *CloudRunLauncher) Launch(ctx context.Context, spec LaunchSpec, onExit func()) (map[string]interface{}, error) {
	execOp, err := c.runJob(ctx, c.cfg.CloudRun.ExecutorJob, peerEnv(c.cfg, spec, "executor"))
	if err != nil {
		return nil, err
	}
	prodOp, err := c.runJob(ctx, c.cfg.CloudRun.ProducerJob, peerEnv(c.cfg, spec, "producer"))
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"producerOp": prodOp,
		"executorOp": execOp,
	}).Info("cloud executions submitted")

	return map[string]interface{}{
		"mode":              "cloud",
		"producerOperation": prodOp,
		"executorOperation": execOp,
	}, nil
}

// Stop only records the request; the running executions observe the released
// lease (refresh conflict) and shut themselves down. Direct cancellation of
// a managed execution is deliberately not attempted here.
func (c *CloudRunLauncher) Stop(ctx context.Context, runtime map[string]interface{}) error {
	c.log.WithField("runtime", runtime).Info("cloud stop requested, peers exit on lease conflict")
	return nil
}
