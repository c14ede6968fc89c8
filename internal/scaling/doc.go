/*
Package scaling implements the metric-driven auto-scaler.

On every tick the control loop reads a LoadSource and applies one rule:

  - scale up by ScaleStep when CPU or memory exceeds its scale-up threshold,
    or performance health is critical and ScaleUpOnCritical is set;
  - scale down by ScaleStep when CPU and memory are both below their
    scale-down thresholds and health is neither warning nor critical;
  - otherwise hold.

Targets are clamped to [MinInstances, MaxInstances] and no two actions are
applied within CooldownPeriod. Provisioning is delegated to a
CapacityController; when it fails, the scaler's state is left unchanged and
the cooldown does not start.
*/
package scaling
