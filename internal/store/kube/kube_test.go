package kube

import (
	"testing"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	bluegreenv1alpha1 "github.com/apptrail-sh/bluegreen/api/v1alpha1"
	"github.com/apptrail-sh/bluegreen/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	scheme := runtime.NewScheme()
	utilruntime.Must(bluegreenv1alpha1.AddToScheme(scheme))

	storetest.Run(t, func(t *testing.T) storetest.Backend {
		c := fake.NewClientBuilder().WithScheme(scheme).Build()
		return New(c, "bluegreen-system")
	})
}
