package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/omni/settlement-coordinator/logging"
)

type AlertMetricValues map[string]string

const ValueLabelTag = "_value"

func (v AlertMetricValues) Labels() prometheus.Labels {
	labels := make(prometheus.Labels, len(v))
	for k, val := range v {
		if k != ValueLabelTag {
			labels[k] = val
		}
	}
	return labels
}

func (v AlertMetricValues) Value() float64 {
	val, ok := v[ValueLabelTag]
	if !ok {
		return 0
	}
	res, _ := strconv.ParseFloat(val, 64)
	return res
}

// ConvertToAlertMetricValues flattens a slice of findings into label sets using their json tags.
func ConvertToAlertMetricValues(v interface{}) ([]AlertMetricValues, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("can't marshal alert values to json: %w", err)
	}
	res := make([]AlertMetricValues, 0, 10)
	err = json.Unmarshal(raw, &res)
	if err != nil {
		return nil, fmt.Errorf("can't unmarshal alert values to []AlertMetricValues: %w", err)
	}
	return res, nil
}

type Job struct {
	logger   logging.Logger
	Name     string
	Metric   *prometheus.GaugeVec
	Interval time.Duration
	Timeout  time.Duration
	Func     func(ctx context.Context) (interface{}, error)
}

// RunOnce executes the job and replaces the alert gauge contents with its findings.
func (j *Job) RunOnce(ctx context.Context) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()
	start := time.Now()
	findings, err := j.Func(timeoutCtx)
	JobDuration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	values, err := ConvertToAlertMetricValues(findings)
	if err != nil {
		return err
	}
	j.Metric.Reset()
	if len(values) == 0 {
		j.logger.WithField("duration", time.Since(start)).Debug("nothing to reconcile")
		return nil
	}
	j.logger.WithFields(logrus.Fields{
		"count":    len(values),
		"duration": time.Since(start),
	}).Warn("found items requiring reconciliation")
	for _, v := range values {
		j.Metric.With(v.Labels()).Set(v.Value())
	}
	return nil
}

func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.WithError(err).Error("failed to process reconciliation job")
		}

		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return
		}
	}
}
