// Package k8ssecret is a deployer that installs the renewed lineage as a
// kubernetes.io/tls Secret.
package k8ssecret

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"certbot_deployer/internal/pkg/buildinfo"
	"certbot_deployer/pkg/bundle"
	"certbot_deployer/pkg/deployer"
	cdeerrors "certbot_deployer/pkg/errors"
	"certbot_deployer/pkg/models"
)

const (
	Subcommand = "k8s-secret"

	annotationPrefix = "certbot-deployer/"
	managedByLabel   = "app.kubernetes.io/managed-by"
	managedByValue   = "certbot_deployer"

	// CAKey holds chain.pem. corev1 has constants for the other two keys only.
	CAKey = "ca.crt"
)

func init() {
	deployer.MustRegister(New(buildKubeClient))
}

// ClientFactory builds a clientset from a kubeconfig path. An empty path
// means automatic discovery.
type ClientFactory func(kubeconfig string) (kubernetes.Interface, error)

type options struct {
	Namespace  string        `mapstructure:"namespace" validate:"required"`
	SecretName string        `mapstructure:"secret-name"`
	Kubeconfig string        `mapstructure:"kubeconfig"`
	Labels     []string      `mapstructure:"label"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type Deployer struct {
	newClient ClientFactory
}

func New(factory ClientFactory) *Deployer {
	return &Deployer{newClient: factory}
}

func (d *Deployer) Subcommand() string { return Subcommand }
func (d *Deployer) Version() string    { return buildinfo.Version }

func (d *Deployer) RegisterArgs(cmd *cobra.Command) {
	cmd.Short = "Install the certificate as a Kubernetes TLS secret"
	cmd.Long = `Create or update a kubernetes.io/tls Secret from the renewed lineage.

tls.crt holds fullchain.pem, tls.key holds privkey.pem and ca.crt holds
chain.pem. The secret name defaults to one derived from the certificate's
common name, e.g. "*.example.com" becomes "wildcard-example-com-tls".`

	cmd.Flags().String("namespace", "default", "namespace of the secret")
	cmd.Flags().String("secret-name", "", "name of the secret (default: derived from the common name)")
	cmd.Flags().String("kubeconfig", "", "path to kubeconfig (default: $KUBECONFIG, ~/.kube/config, then in-cluster)")
	cmd.Flags().StringSlice("label", nil, "extra label as key=value (repeatable)")
	cmd.Flags().Duration("timeout", 30*time.Second, "timeout for API requests, 0 for none")
}

func (d *Deployer) PostParse(args *deployer.Args) error {
	opts, err := decode(args)
	if err != nil {
		return err
	}
	if opts.SecretName != "" {
		if err := checkSecretName(opts.SecretName); err != nil {
			return err
		}
	}
	_, err = parseLabels(opts.Labels)
	return err
}

func (d *Deployer) Entrypoint(ctx context.Context, args *deployer.Args, b *bundle.Bundle) error {
	opts, err := decode(args)
	if err != nil {
		return err
	}
	labels, err := parseLabels(opts.Labels)
	if err != nil {
		return err
	}

	name := opts.SecretName
	if name == "" {
		name = SecretName(b.CommonName())
	}
	if err := checkSecretName(name); err != nil {
		return err
	}

	client, err := d.newClient(opts.Kubeconfig)
	if err != nil {
		return cdeerrors.Wrap(cdeerrors.ErrCodeEnvironment, "failed to create kubernetes client", err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	secret := newSecret(opts.Namespace, name, labels, b)
	created, err := upsert(ctx, client, secret)
	if err != nil {
		return cdeerrors.WrapWithContext(cdeerrors.ErrCodePlugin,
			fmt.Sprintf("failed to write secret %s/%s", opts.Namespace, name), err,
			map[string]any{"namespace": opts.Namespace, "name": name})
	}

	logrus.WithFields(logrus.Fields{
		"namespace":   opts.Namespace,
		"secret":      name,
		"common_name": b.CommonName(),
		"created":     created,
	}).Info("tls secret deployed")
	return nil
}

func decode(args *deployer.Args) (options, error) {
	var opts options
	err := args.Decode(&opts)
	return opts, err
}

// SecretName derives a DNS-1123 secret name from a certificate common name.
func SecretName(commonName string) string {
	name := strings.ReplaceAll(strings.ToLower(commonName), "*", "wildcard")
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, name)
	name = strings.Trim(name, "-")
	for strings.Contains(name, "--") {
		name = strings.ReplaceAll(name, "--", "-")
	}
	if name == "" {
		return "certificate-tls"
	}
	return name + "-tls"
}

func checkSecretName(name string) error {
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return cdeerrors.NewWithContext(cdeerrors.ErrCodeConfiguration,
			fmt.Sprintf("invalid --secret-name %q: %s", name, strings.Join(errs, "; ")),
			map[string]any{"secret-name": name})
	}
	return nil
}

func parseLabels(raw []string) (map[string]string, error) {
	labels := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, cdeerrors.New(cdeerrors.ErrCodeConfiguration,
				fmt.Sprintf("invalid --label %q: expected key=value", kv))
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if errs := validation.IsQualifiedName(key); len(errs) > 0 {
			return nil, cdeerrors.New(cdeerrors.ErrCodeConfiguration,
				fmt.Sprintf("invalid --label key %q: %s", key, strings.Join(errs, "; ")))
		}
		if errs := validation.IsValidLabelValue(value); len(errs) > 0 {
			return nil, cdeerrors.New(cdeerrors.ErrCodeConfiguration,
				fmt.Sprintf("invalid --label value %q: %s", value, strings.Join(errs, "; ")))
		}
		labels[key] = value
	}
	return labels, nil
}

func newSecret(namespace, name string, labels map[string]string, b *bundle.Bundle) *corev1.Secret {
	merged := map[string]string{managedByLabel: managedByValue}
	for k, v := range labels {
		merged[k] = v
	}

	meta := b.Cert.Metadata
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    merged,
			Annotations: map[string]string{
				annotationPrefix + "common-name": b.CommonName(),
				annotationPrefix + "serial":      models.FormatSerial(meta.SerialNumber),
				annotationPrefix + "not-after":   meta.NotAfter.UTC().Format(time.RFC3339),
			},
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{
			corev1.TLSCertKey:       []byte(b.Fullchain.Contents),
			corev1.TLSPrivateKeyKey: []byte(b.Key.Contents),
			CAKey:                   []byte(b.Chain.Contents),
		},
	}
}

// upsert creates the secret, or replaces the data of an existing one. Labels
// and annotations not owned by this deployer are kept.
func upsert(ctx context.Context, client kubernetes.Interface, secret *corev1.Secret) (bool, error) {
	secrets := client.CoreV1().Secrets(secret.Namespace)

	existing, err := secrets.Get(ctx, secret.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = secrets.Create(ctx, secret, metav1.CreateOptions{})
		return err == nil, err
	}
	if err != nil {
		return false, err
	}
	if existing.Type != "" && existing.Type != corev1.SecretTypeTLS {
		return false, fmt.Errorf("existing secret has type %s, not %s", existing.Type, corev1.SecretTypeTLS)
	}

	updated := existing.DeepCopy()
	if updated.Labels == nil {
		updated.Labels = map[string]string{}
	}
	for k, v := range secret.Labels {
		updated.Labels[k] = v
	}
	if updated.Annotations == nil {
		updated.Annotations = map[string]string{}
	}
	for k, v := range secret.Annotations {
		updated.Annotations[k] = v
	}
	updated.Type = corev1.SecretTypeTLS
	updated.Data = secret.Data

	_, err = secrets.Update(ctx, updated, metav1.UpdateOptions{})
	return false, err
}

// buildKubeClient tries the given kubeconfig, then $KUBECONFIG, then
// ~/.kube/config, and finally the in-cluster service account.
func buildKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = filepath.Join(homedir.HomeDir(), ".kube", "config")
			if _, err := os.Stat(kubeconfig); os.IsNotExist(err) {
				kubeconfig = ""
			}
		}
	}

	var config *rest.Config
	var err error
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
		}
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kube config from %s: %w", kubeconfig, err)
		}
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}
